// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Command field values from PS3.7.
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
)

// DIMSE status codes the agent deals in.
const (
	StatusSuccess           = 0x0000
	StatusOutOfResources    = 0xA700
	StatusMissingAttribute  = 0xA900
	StatusCannotUnderstand  = 0xC210
	StatusUnrecognizedOp    = 0x0211
	StatusProcessingFailure = 0x0110
)

// CommandDataSetNone in (0000,0800) means no dataset follows.
const CommandDataSetNone = 0x0101

// Command group 0000 element numbers.
const (
	tagGroupLength    = 0x0000
	tagSOPClassUID    = 0x0002
	tagCommandField   = 0x0100
	tagMessageID      = 0x0110
	tagRespondedTo    = 0x0120
	tagPriority       = 0x0700
	tagDataSetType    = 0x0800
	tagStatus         = 0x0900
	tagSOPInstanceUID = 0x1000
)

// Command is a group-0000 command set. Fields a given message does not
// carry stay zero.
type Command struct {
	CommandField   uint16
	MessageID      uint16
	RespondedTo    uint16
	DataSetType    uint16
	Status         uint16
	SOPClassUID    string
	SOPInstanceUID string
}

// HasDataSet reports whether a dataset follows this command.
func (c *Command) HasDataSet() bool {
	return c.DataSetType != CommandDataSetNone
}

// IsResponse reports whether the command field is a response.
func (c *Command) IsResponse() bool {
	return c.CommandField&0x8000 != 0
}

// EncodeCommand serializes the command set in implicit VR little
// endian, with the group length element first as PS3.7 requires.
func EncodeCommand(c *Command) []byte {
	var body bytes.Buffer

	writeUI := func(element uint16, value string) {
		if value == "" {
			return
		}
		// UI values are padded to even length with NUL.
		padded := value
		if len(padded)%2 != 0 {
			padded += "\x00"
		}
		writeElementHeader(&body, element, uint32(len(padded)))
		body.WriteString(padded)
	}
	writeUS := func(element uint16, value uint16) {
		writeElementHeader(&body, element, 2)
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], value)
		body.Write(buf[:])
	}

	writeUI(tagSOPClassUID, c.SOPClassUID)
	writeUS(tagCommandField, c.CommandField)
	if c.IsResponse() {
		writeUS(tagRespondedTo, c.RespondedTo)
	} else {
		writeUS(tagMessageID, c.MessageID)
		if c.CommandField == CStoreRQ {
			writeUS(tagPriority, 0)
		}
	}
	writeUS(tagDataSetType, c.DataSetType)
	if c.IsResponse() {
		writeUS(tagStatus, c.Status)
	}
	writeUI(tagSOPInstanceUID, c.SOPInstanceUID)

	var out bytes.Buffer
	writeElementHeader(&out, tagGroupLength, 4)
	var groupLen [4]byte
	binary.LittleEndian.PutUint32(groupLen[:], uint32(body.Len()))
	out.Write(groupLen[:])
	out.Write(body.Bytes())
	return out.Bytes()
}

func writeElementHeader(buf *bytes.Buffer, element uint16, length uint32) {
	var header [8]byte
	binary.LittleEndian.PutUint16(header[0:2], 0x0000)
	binary.LittleEndian.PutUint16(header[2:4], element)
	binary.LittleEndian.PutUint32(header[4:8], length)
	buf.Write(header[:])
}

// DecodeCommand parses an implicit VR little endian command set.
func DecodeCommand(data []byte) (*Command, error) {
	c := &Command{DataSetType: CommandDataSetNone}
	rest := data
	seen := false
	for len(rest) > 0 {
		if len(rest) < 8 {
			return nil, fmt.Errorf("truncated command element")
		}
		group := binary.LittleEndian.Uint16(rest[0:2])
		element := binary.LittleEndian.Uint16(rest[2:4])
		length := binary.LittleEndian.Uint32(rest[4:8])
		if uint32(len(rest)-8) < length {
			return nil, fmt.Errorf("command element (%04X,%04X) overruns buffer", group, element)
		}
		value := rest[8 : 8+length]
		rest = rest[8+length:]

		if group != 0x0000 {
			continue
		}
		seen = true
		switch element {
		case tagSOPClassUID:
			c.SOPClassUID = trimUID(value)
		case tagCommandField:
			c.CommandField = leUint16(value)
		case tagMessageID:
			c.MessageID = leUint16(value)
		case tagRespondedTo:
			c.RespondedTo = leUint16(value)
		case tagDataSetType:
			c.DataSetType = leUint16(value)
		case tagStatus:
			c.Status = leUint16(value)
		case tagSOPInstanceUID:
			c.SOPInstanceUID = trimUID(value)
		}
	}
	if !seen {
		return nil, fmt.Errorf("no command elements present")
	}
	return c, nil
}

func leUint16(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func trimUID(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}
