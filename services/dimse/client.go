// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dimse

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/AleutianAI/petfectior-agent/pkg/dcm"
	"github.com/AleutianAI/petfectior-agent/pkg/logging"
)

// ClientOptions configures an outbound association.
type ClientOptions struct {
	CallingAET string
	CalledAET  string

	// SOPClasses are the storage classes to propose besides
	// verification.
	SOPClasses []string

	DialTimeout time.Duration
	Logger      *logging.Logger
}

// Client is one outbound association. It is not safe for concurrent
// use; the send step opens one client per destination.
type Client struct {
	conn   net.Conn
	logger *logging.Logger

	// contexts maps abstract syntax to the accepted context.
	contexts map[string]PresentationContext
	maxPDU   uint32
	nextID   uint16
}

// Dial connects to addr and negotiates an association proposing the
// configured SOP classes with both little endian transfer syntaxes.
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	req := &Associate{
		CalledAET:              opts.CalledAET,
		CallingAET:             opts.CallingAET,
		MaxPDULength:           DefaultMaxPDULength,
		ImplementationClassUID: dcm.ImplementationClassUID,
		ImplementationVersion:  dcm.ImplementationVersionName,
	}
	proposed := append([]string{dcm.UIDVerification}, opts.SOPClasses...)
	id := uint8(1)
	for _, sop := range proposed {
		req.Contexts = append(req.Contexts, PresentationContext{
			ID:             id,
			AbstractSyntax: sop,
			TransferSyntaxes: []string{
				dcm.UIDExplicitVRLittleEndian,
				dcm.UIDImplicitVRLittleEndian,
			},
		})
		// Presentation context ids are odd.
		id += 2
	}

	if err := WritePDU(conn, PDUAssociateRQ, EncodeAssociate(req, true)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending associate request: %w", err)
	}

	pduType, body, err := ReadPDU(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading associate response: %w", err)
	}
	switch pduType {
	case PDUAssociateAC:
	case PDUAssociateRJ:
		conn.Close()
		return nil, fmt.Errorf("association rejected by %s", addr)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected pdu type 0x%02X during negotiation", pduType)
	}

	ac, err := DecodeAssociate(body)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		conn:     conn,
		logger:   logger.With("service", "dimse_scu", "called_aet", opts.CalledAET),
		contexts: make(map[string]PresentationContext),
		maxPDU:   ac.MaxPDULength,
		nextID:   1,
	}
	if c.maxPDU == 0 {
		c.maxPDU = DefaultMaxPDULength
	}
	// The AC echoes contexts by id; map results back onto what we
	// proposed to learn which abstract syntaxes were accepted.
	byID := make(map[uint8]string, len(req.Contexts))
	for _, pc := range req.Contexts {
		byID[pc.ID] = pc.AbstractSyntax
	}
	for _, pc := range ac.Contexts {
		if pc.Result != ResultAccepted {
			continue
		}
		abstract, ok := byID[pc.ID]
		if !ok || len(pc.TransferSyntaxes) == 0 {
			continue
		}
		c.contexts[abstract] = PresentationContext{
			ID:               pc.ID,
			AbstractSyntax:   abstract,
			TransferSyntaxes: pc.TransferSyntaxes,
		}
	}
	if len(c.contexts) == 0 {
		c.close()
		return nil, fmt.Errorf("peer %s accepted no presentation contexts", addr)
	}

	c.logger.Info("association established", "addr", addr, "accepted_contexts", len(c.contexts))
	return c, nil
}

// AcceptedTransferSyntax returns the negotiated transfer syntax for a
// SOP class, or "" when the class was not accepted.
func (c *Client) AcceptedTransferSyntax(sopClassUID string) string {
	pc, ok := c.contexts[sopClassUID]
	if !ok {
		return ""
	}
	return pc.TransferSyntaxes[0]
}

// Echo performs a C-ECHO round trip.
func (c *Client) Echo(ctx context.Context) error {
	pc, ok := c.contexts[dcm.UIDVerification]
	if !ok {
		return fmt.Errorf("verification not negotiated")
	}
	rsp, err := c.roundTrip(ctx, pc.ID, &Command{
		CommandField: CEchoRQ,
		MessageID:    c.messageID(),
		SOPClassUID:  dcm.UIDVerification,
		DataSetType:  CommandDataSetNone,
	}, nil)
	if err != nil {
		return err
	}
	if rsp.Status != StatusSuccess {
		return fmt.Errorf("c-echo failed with status 0x%04X", rsp.Status)
	}
	return nil
}

// Store sends one dataset via C-STORE. Data holds the dataset bytes in
// the transfer syntax negotiated for the SOP class.
func (c *Client) Store(ctx context.Context, sopClassUID, sopInstanceUID string, data []byte) error {
	pc, ok := c.contexts[sopClassUID]
	if !ok {
		return fmt.Errorf("sop class %s not negotiated", sopClassUID)
	}
	rsp, err := c.roundTrip(ctx, pc.ID, &Command{
		CommandField:   CStoreRQ,
		MessageID:      c.messageID(),
		SOPClassUID:    sopClassUID,
		SOPInstanceUID: sopInstanceUID,
		DataSetType:    0x0000,
	}, data)
	if err != nil {
		return err
	}
	if rsp.Status != StatusSuccess {
		return fmt.Errorf("c-store of %s failed with status 0x%04X", sopInstanceUID, rsp.Status)
	}
	return nil
}

func (c *Client) messageID() uint16 {
	id := c.nextID
	c.nextID++
	return id
}

func (c *Client) roundTrip(ctx context.Context, contextID uint8, cmd *Command, data []byte) (*Command, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	pdvs := SplitPDVs(contextID, true, EncodeCommand(cmd), c.maxPDU)
	if err := WritePDU(c.conn, PDUDataTF, EncodePDataTF(pdvs)); err != nil {
		return nil, fmt.Errorf("sending command: %w", err)
	}
	if data != nil {
		for _, pdv := range SplitPDVs(contextID, false, data, c.maxPDU) {
			if err := WritePDU(c.conn, PDUDataTF, EncodePDataTF([]PDV{pdv})); err != nil {
				return nil, fmt.Errorf("sending dataset: %w", err)
			}
		}
	}

	var cmdBuf []byte
	for {
		pduType, body, err := ReadPDU(c.conn)
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		switch pduType {
		case PDUDataTF:
			pdvs, err := DecodePDataTF(body)
			if err != nil {
				return nil, err
			}
			for _, pdv := range pdvs {
				if !pdv.Command {
					continue
				}
				cmdBuf = append(cmdBuf, pdv.Data...)
				if pdv.Last {
					return DecodeCommand(cmdBuf)
				}
			}
		case PDUAbort:
			return nil, fmt.Errorf("association aborted by peer")
		default:
			return nil, fmt.Errorf("unexpected pdu type 0x%02X awaiting response", pduType)
		}
	}
}

// Release performs the release handshake and closes the connection.
func (c *Client) Release() error {
	if err := WritePDU(c.conn, PDUReleaseRQ, make([]byte, 4)); err != nil {
		c.close()
		return err
	}
	// Best effort: the peer answers with A-RELEASE-RP.
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ReadPDU(c.conn)
	return c.close()
}

// Close tears the connection down without the release handshake.
func (c *Client) Close() error { return c.close() }

func (c *Client) close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
