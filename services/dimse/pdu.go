// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dimse implements the DICOM upper layer protocol: association
// negotiation PDUs, P-DATA-TF fragmentation and the implicit-VR command
// sets used by C-ECHO and C-STORE. It covers exactly what a Store SCP
// and SCU need, not the full DIMSE service set.
package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU type bytes from PS3.8 section 9.3.
const (
	PDUAssociateRQ = 0x01
	PDUAssociateAC = 0x02
	PDUAssociateRJ = 0x03
	PDUDataTF      = 0x04
	PDUReleaseRQ   = 0x05
	PDUReleaseRP   = 0x06
	PDUAbort       = 0x07
)

// Item type bytes inside associate PDUs.
const (
	itemApplicationContext  = 0x10
	itemPresentationCtxRQ   = 0x20
	itemPresentationCtxAC   = 0x21
	itemAbstractSyntax      = 0x30
	itemTransferSyntax      = 0x40
	itemUserInformation     = 0x50
	subItemMaxLength        = 0x51
	subItemImplementationID = 0x52
	subItemImplementationVN = 0x55
)

// ApplicationContextUID is the single DICOM application context.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// DefaultMaxPDULength bounds P-DATA-TF fragments we offer to peers.
const DefaultMaxPDULength = 16384

// Presentation context result values in an A-ASSOCIATE-AC.
const (
	ResultAccepted             = 0
	ResultUserRejected         = 1
	ResultAbstractSyntaxReject = 3
	ResultTransferSyntaxReject = 4
)

// PresentationContext is one proposed or negotiated context. In a
// request TransferSyntaxes holds every offered syntax; in an accept it
// holds exactly the chosen one and Result is meaningful.
type PresentationContext struct {
	ID               uint8
	Result           uint8
	AbstractSyntax   string
	TransferSyntaxes []string
}

// Associate is the payload of an A-ASSOCIATE-RQ or -AC.
type Associate struct {
	CalledAET  string
	CallingAET string

	Contexts []PresentationContext

	MaxPDULength           uint32
	ImplementationClassUID string
	ImplementationVersion  string
}

// ReadPDU reads one PDU header and body from r. The body of an
// oversized PDU is refused outright rather than buffered.
func ReadPDU(r io.Reader) (byte, []byte, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if length > 16*1024*1024 {
		return 0, nil, fmt.Errorf("pdu length %d exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("reading pdu body: %w", err)
	}
	return header[0], body, nil
}

// WritePDU frames body with the 6-byte PDU header and writes it.
func WritePDU(w io.Writer, pduType byte, body []byte) error {
	header := [6]byte{pduType, 0}
	binary.BigEndian.PutUint32(header[2:6], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// =============================================================================
// A-ASSOCIATE encoding
// =============================================================================

func paddedAET(aet string) []byte {
	out := make([]byte, 16)
	copy(out, aet)
	for i := len(aet); i < 16; i++ {
		out[i] = ' '
	}
	return out
}

// EncodeAssociate builds the body of an A-ASSOCIATE-RQ (request true)
// or -AC.
func EncodeAssociate(a *Associate, request bool) []byte {
	var buf bytes.Buffer

	var version [2]byte
	binary.BigEndian.PutUint16(version[:], 0x0001)
	buf.Write(version[:])
	buf.Write([]byte{0, 0})
	buf.Write(paddedAET(a.CalledAET))
	buf.Write(paddedAET(a.CallingAET))
	buf.Write(make([]byte, 32))

	writeItem(&buf, itemApplicationContext, []byte(ApplicationContextUID))

	for _, pc := range a.Contexts {
		var item bytes.Buffer
		item.WriteByte(pc.ID)
		if request {
			item.Write([]byte{0, 0, 0})
			writeItem(&item, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		} else {
			item.Write([]byte{0, pc.Result, 0})
		}
		for _, ts := range pc.TransferSyntaxes {
			writeItem(&item, itemTransferSyntax, []byte(ts))
		}
		itemType := byte(itemPresentationCtxAC)
		if request {
			itemType = itemPresentationCtxRQ
		}
		writeItem(&buf, itemType, item.Bytes())
	}

	var user bytes.Buffer
	maxLen := a.MaxPDULength
	if maxLen == 0 {
		maxLen = DefaultMaxPDULength
	}
	var maxBuf [4]byte
	binary.BigEndian.PutUint32(maxBuf[:], maxLen)
	writeItem(&user, subItemMaxLength, maxBuf[:])
	if a.ImplementationClassUID != "" {
		writeItem(&user, subItemImplementationID, []byte(a.ImplementationClassUID))
	}
	if a.ImplementationVersion != "" {
		writeItem(&user, subItemImplementationVN, []byte(a.ImplementationVersion))
	}
	writeItem(&buf, itemUserInformation, user.Bytes())

	return buf.Bytes()
}

func writeItem(buf *bytes.Buffer, itemType byte, data []byte) {
	buf.WriteByte(itemType)
	buf.WriteByte(0)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(data)))
	buf.Write(length[:])
	buf.Write(data)
}

// DecodeAssociate parses the body of an A-ASSOCIATE-RQ or -AC.
func DecodeAssociate(body []byte) (*Associate, error) {
	if len(body) < 68 {
		return nil, fmt.Errorf("associate pdu too short: %d bytes", len(body))
	}
	a := &Associate{
		CalledAET:  strings.TrimRight(string(body[4:20]), " \x00"),
		CallingAET: strings.TrimRight(string(body[20:36]), " \x00"),
	}

	rest := body[68:]
	for len(rest) >= 4 {
		itemType := rest[0]
		length := int(binary.BigEndian.Uint16(rest[2:4]))
		if len(rest) < 4+length {
			return nil, fmt.Errorf("truncated item 0x%02X", itemType)
		}
		data := rest[4 : 4+length]
		rest = rest[4+length:]

		switch itemType {
		case itemApplicationContext:
			// The context name is fixed; nothing to record.

		case itemPresentationCtxRQ, itemPresentationCtxAC:
			pc, err := decodePresentationContext(data, itemType == itemPresentationCtxAC)
			if err != nil {
				return nil, err
			}
			a.Contexts = append(a.Contexts, pc)

		case itemUserInformation:
			decodeUserInformation(data, a)
		}
	}
	return a, nil
}

func decodePresentationContext(data []byte, accept bool) (PresentationContext, error) {
	var pc PresentationContext
	if len(data) < 4 {
		return pc, fmt.Errorf("presentation context item too short")
	}
	pc.ID = data[0]
	if accept {
		pc.Result = data[2]
	}
	rest := data[4:]
	for len(rest) >= 4 {
		subType := rest[0]
		length := int(binary.BigEndian.Uint16(rest[2:4]))
		if len(rest) < 4+length {
			return pc, fmt.Errorf("truncated sub-item 0x%02X", subType)
		}
		value := string(rest[4 : 4+length])
		rest = rest[4+length:]

		switch subType {
		case itemAbstractSyntax:
			pc.AbstractSyntax = value
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, value)
		}
	}
	return pc, nil
}

func decodeUserInformation(data []byte, a *Associate) {
	rest := data
	for len(rest) >= 4 {
		subType := rest[0]
		length := int(binary.BigEndian.Uint16(rest[2:4]))
		if len(rest) < 4+length {
			return
		}
		value := rest[4 : 4+length]
		rest = rest[4+length:]

		switch subType {
		case subItemMaxLength:
			if len(value) == 4 {
				a.MaxPDULength = binary.BigEndian.Uint32(value)
			}
		case subItemImplementationID:
			a.ImplementationClassUID = string(value)
		case subItemImplementationVN:
			a.ImplementationVersion = string(value)
		}
	}
}

// EncodeReject builds an A-ASSOCIATE-RJ body.
func EncodeReject(result, source, reason byte) []byte {
	return []byte{0, result, source, reason}
}

// EncodeAbort builds an A-ABORT body.
func EncodeAbort(source, reason byte) []byte {
	return []byte{0, 0, source, reason}
}

// =============================================================================
// P-DATA-TF
// =============================================================================

// PDV is one presentation data value inside a P-DATA-TF PDU.
type PDV struct {
	ContextID uint8

	// Command distinguishes command-set fragments from dataset
	// fragments; Last marks the final fragment of either stream.
	Command bool
	Last    bool

	Data []byte
}

// EncodePDataTF builds a P-DATA-TF body from pdvs.
func EncodePDataTF(pdvs []PDV) []byte {
	var buf bytes.Buffer
	for _, pdv := range pdvs {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(pdv.Data)+2))
		buf.Write(length[:])
		buf.WriteByte(pdv.ContextID)
		var flags byte
		if pdv.Command {
			flags |= 0x01
		}
		if pdv.Last {
			flags |= 0x02
		}
		buf.WriteByte(flags)
		buf.Write(pdv.Data)
	}
	return buf.Bytes()
}

// DecodePDataTF parses a P-DATA-TF body into its PDVs.
func DecodePDataTF(body []byte) ([]PDV, error) {
	var pdvs []PDV
	rest := body
	for len(rest) > 0 {
		if len(rest) < 6 {
			return nil, fmt.Errorf("truncated pdv header")
		}
		length := binary.BigEndian.Uint32(rest[0:4])
		if length < 2 || uint32(len(rest)-4) < length {
			return nil, fmt.Errorf("pdv length %d exceeds pdu", length)
		}
		flags := rest[5]
		pdvs = append(pdvs, PDV{
			ContextID: rest[4],
			Command:   flags&0x01 != 0,
			Last:      flags&0x02 != 0,
			Data:      rest[6 : 4+length],
		})
		rest = rest[4+length:]
	}
	return pdvs, nil
}

// SplitPDVs fragments data into PDVs that fit maxPDU, marking the final
// fragment Last.
func SplitPDVs(contextID uint8, command bool, data []byte, maxPDU uint32) []PDV {
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}
	// Room for the 6-byte PDV prefix inside the PDU body.
	chunk := int(maxPDU) - 6
	if chunk < 1 {
		chunk = 1
	}
	var pdvs []PDV
	for start := 0; ; start += chunk {
		end := start + chunk
		last := end >= len(data)
		if last {
			end = len(data)
		}
		pdvs = append(pdvs, PDV{
			ContextID: contextID,
			Command:   command,
			Last:      last,
			Data:      data[start:end],
		})
		if last {
			return pdvs
		}
	}
}
