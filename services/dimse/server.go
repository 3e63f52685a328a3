// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dimse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/AleutianAI/petfectior-agent/pkg/dcm"
	"github.com/AleutianAI/petfectior-agent/pkg/logging"
)

// StoreRequest carries one received C-STORE to the handler. Data holds
// the dataset bytes in the negotiated transfer syntax, without file
// meta framing.
type StoreRequest struct {
	CallingAET string
	CalledAET  string
	RemoteIP   string

	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Data              []byte
}

// Handler reacts to received DIMSE operations. OnCStore returns the
// DIMSE status to answer with.
type Handler interface {
	OnCStore(ctx context.Context, req *StoreRequest) uint16
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// AETitle is the called AE title this server answers to. Empty
	// accepts any called title.
	AETitle string

	// AcceptedSOPClasses lists the abstract syntaxes to accept besides
	// verification. Empty accepts every proposed storage class.
	AcceptedSOPClasses []string

	MaxPDULength uint32
	Logger       *logging.Logger
}

// Server is a Store SCP listener. Each association runs on its own
// goroutine; the handler sees one request at a time per association.
type Server struct {
	opts     ServerOptions
	handler  Handler
	logger   *logging.Logger
	accepted map[string]bool
}

// NewServer builds a Server around handler.
func NewServer(opts ServerOptions, handler Handler) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if opts.MaxPDULength == 0 {
		opts.MaxPDULength = DefaultMaxPDULength
	}
	accepted := make(map[string]bool, len(opts.AcceptedSOPClasses))
	for _, uid := range opts.AcceptedSOPClasses {
		accepted[uid] = true
	}
	return &Server{
		opts:     opts,
		handler:  handler,
		logger:   logger.With("service", "dimse_scp"),
		accepted: accepted,
	}
}

// Serve accepts associations on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accepting association: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveAssociation(ctx, conn)
		}()
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.logger.Info("store scp listening", "addr", addr, "ae_title", s.opts.AETitle)
	return s.Serve(ctx, l)
}

type association struct {
	conn     net.Conn
	assoc    *Associate
	remoteIP string

	// contexts maps accepted presentation context id to the chosen
	// abstract and transfer syntax.
	contexts map[uint8]PresentationContext
	maxPDU   uint32
}

func (s *Server) serveAssociation(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteIP := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}
	logger := s.logger.With("remote_ip", remoteIP)

	a, err := s.negotiate(conn)
	if err != nil {
		logger.Warn("association rejected", "error", err)
		return
	}
	a.remoteIP = remoteIP
	logger = logger.With("calling_aet", a.assoc.CallingAET)
	logger.Info("association established", "contexts", len(a.contexts))

	if err := s.messageLoop(ctx, a, logger); err != nil && !errors.Is(err, io.EOF) {
		logger.Warn("association ended with error", "error", err)
	}
}

func (s *Server) negotiate(conn net.Conn) (*association, error) {
	pduType, body, err := ReadPDU(conn)
	if err != nil {
		return nil, fmt.Errorf("reading associate request: %w", err)
	}
	if pduType != PDUAssociateRQ {
		return nil, fmt.Errorf("expected A-ASSOCIATE-RQ, got 0x%02X", pduType)
	}
	req, err := DecodeAssociate(body)
	if err != nil {
		return nil, err
	}

	if s.opts.AETitle != "" && req.CalledAET != s.opts.AETitle {
		WritePDU(conn, PDUAssociateRJ, EncodeReject(1, 1, 7))
		return nil, fmt.Errorf("called AE title %q not recognized", req.CalledAET)
	}

	accept := &Associate{
		CalledAET:              req.CalledAET,
		CallingAET:             req.CallingAET,
		MaxPDULength:           s.opts.MaxPDULength,
		ImplementationClassUID: dcm.ImplementationClassUID,
		ImplementationVersion:  dcm.ImplementationVersionName,
	}
	contexts := make(map[uint8]PresentationContext)
	for _, pc := range req.Contexts {
		result := uint8(ResultAccepted)
		ts := chooseTransferSyntax(pc.TransferSyntaxes)
		switch {
		case !s.acceptsAbstract(pc.AbstractSyntax):
			result = ResultAbstractSyntaxReject
		case ts == "":
			result = ResultTransferSyntaxReject
		}
		out := PresentationContext{ID: pc.ID, Result: result}
		if result == ResultAccepted {
			out.TransferSyntaxes = []string{ts}
			contexts[pc.ID] = PresentationContext{
				ID:               pc.ID,
				AbstractSyntax:   pc.AbstractSyntax,
				TransferSyntaxes: []string{ts},
			}
		} else {
			// The AC still carries a transfer syntax item per PS3.8.
			out.TransferSyntaxes = []string{dcm.UIDImplicitVRLittleEndian}
		}
		accept.Contexts = append(accept.Contexts, out)
	}

	if err := WritePDU(conn, PDUAssociateAC, EncodeAssociate(accept, false)); err != nil {
		return nil, fmt.Errorf("writing associate accept: %w", err)
	}

	maxPDU := req.MaxPDULength
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}
	return &association{conn: conn, assoc: req, contexts: contexts, maxPDU: maxPDU}, nil
}

func (s *Server) acceptsAbstract(uid string) bool {
	if uid == dcm.UIDVerification {
		return true
	}
	if len(s.accepted) == 0 {
		return true
	}
	return s.accepted[uid]
}

func chooseTransferSyntax(offered []string) string {
	for _, ts := range offered {
		if ts == dcm.UIDExplicitVRLittleEndian {
			return ts
		}
	}
	for _, ts := range offered {
		if ts == dcm.UIDImplicitVRLittleEndian {
			return ts
		}
	}
	return ""
}

// messageLoop reads PDUs until release or abort, assembling command
// and dataset fragments and dispatching complete messages.
func (s *Server) messageLoop(ctx context.Context, a *association, logger *logging.Logger) error {
	var (
		contextID uint8
		cmdBuf    []byte
		dataBuf   []byte
		cmd       *Command
	)

	for {
		pduType, body, err := ReadPDU(a.conn)
		if err != nil {
			return err
		}

		switch pduType {
		case PDUDataTF:
			pdvs, err := DecodePDataTF(body)
			if err != nil {
				return err
			}
			for _, pdv := range pdvs {
				if pdv.Command {
					contextID = pdv.ContextID
					cmdBuf = append(cmdBuf, pdv.Data...)
					if !pdv.Last {
						continue
					}
					cmd, err = DecodeCommand(cmdBuf)
					cmdBuf = nil
					if err != nil {
						return fmt.Errorf("decoding command set: %w", err)
					}
					if !cmd.HasDataSet() {
						if err := s.dispatch(ctx, a, contextID, cmd, nil, logger); err != nil {
							return err
						}
						cmd = nil
					}
					continue
				}

				dataBuf = append(dataBuf, pdv.Data...)
				if !pdv.Last {
					continue
				}
				if cmd == nil {
					return fmt.Errorf("dataset fragment without command")
				}
				if err := s.dispatch(ctx, a, contextID, cmd, dataBuf, logger); err != nil {
					return err
				}
				cmd, dataBuf = nil, nil
			}

		case PDUReleaseRQ:
			logger.Info("association released")
			return WritePDU(a.conn, PDUReleaseRP, make([]byte, 4))

		case PDUAbort:
			logger.Warn("association aborted by peer")
			return nil

		default:
			return fmt.Errorf("unexpected pdu type 0x%02X", pduType)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, a *association, contextID uint8, cmd *Command, data []byte, logger *logging.Logger) error {
	pc, ok := a.contexts[contextID]
	if !ok {
		return fmt.Errorf("message on unaccepted presentation context %d", contextID)
	}

	switch cmd.CommandField {
	case CEchoRQ:
		logger.Info("c-echo received")
		return s.respond(a, contextID, &Command{
			CommandField: CEchoRSP,
			RespondedTo:  cmd.MessageID,
			SOPClassUID:  cmd.SOPClassUID,
			DataSetType:  CommandDataSetNone,
			Status:       StatusSuccess,
		})

	case CStoreRQ:
		status := s.handler.OnCStore(ctx, &StoreRequest{
			CallingAET:        a.assoc.CallingAET,
			CalledAET:         a.assoc.CalledAET,
			RemoteIP:          a.remoteIP,
			SOPClassUID:       cmd.SOPClassUID,
			SOPInstanceUID:    cmd.SOPInstanceUID,
			TransferSyntaxUID: pc.TransferSyntaxes[0],
			Data:              data,
		})
		return s.respond(a, contextID, &Command{
			CommandField:   CStoreRSP,
			RespondedTo:    cmd.MessageID,
			SOPClassUID:    cmd.SOPClassUID,
			SOPInstanceUID: cmd.SOPInstanceUID,
			DataSetType:    CommandDataSetNone,
			Status:         status,
		})

	default:
		logger.Warn("unsupported dimse operation", "command_field", fmt.Sprintf("0x%04X", cmd.CommandField))
		return s.respond(a, contextID, &Command{
			CommandField: cmd.CommandField | 0x8000,
			RespondedTo:  cmd.MessageID,
			SOPClassUID:  cmd.SOPClassUID,
			DataSetType:  CommandDataSetNone,
			Status:       StatusUnrecognizedOp,
		})
	}
}

func (s *Server) respond(a *association, contextID uint8, cmd *Command) error {
	pdvs := SplitPDVs(contextID, true, EncodeCommand(cmd), a.maxPDU)
	return WritePDU(a.conn, PDUDataTF, EncodePDataTF(pdvs))
}
