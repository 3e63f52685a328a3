// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dcm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// =============================================================================
// DICOM file meta framing
// =============================================================================

// A C-STORE carries a bare dataset; a DICOM part-10 file carries a
// 128-byte preamble, the "DICM" magic, an explicit-VR group 0002 header
// and then the dataset. The receiver wraps incoming datasets before
// writing them to disk, and the sender strips the wrapping before
// putting a file back on the wire.

// FileMeta is the subset of the group 0002 header the agent cares about.
type FileMeta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
}

// WrapWithFileMeta prepends a part-10 preamble and file meta group to a
// raw dataset as received over an association.
func WrapWithFileMeta(meta FileMeta, dataset []byte) ([]byte, error) {
	if meta.MediaStorageSOPClassUID == "" || meta.MediaStorageSOPInstanceUID == "" {
		return nil, fmt.Errorf("file meta needs SOP class and instance UIDs")
	}
	if meta.TransferSyntaxUID == "" {
		meta.TransferSyntaxUID = UIDImplicitVRLittleEndian
	}

	var group bytes.Buffer
	writeMetaOB(&group, 0x0001, []byte{0x00, 0x01})
	writeMetaUI(&group, 0x0002, meta.MediaStorageSOPClassUID)
	writeMetaUI(&group, 0x0003, meta.MediaStorageSOPInstanceUID)
	writeMetaUI(&group, 0x0010, meta.TransferSyntaxUID)
	writeMetaUI(&group, 0x0012, ImplementationClassUID)
	writeMetaSH(&group, 0x0013, ImplementationVersionName)

	out := bytes.NewBuffer(make([]byte, 0, 132+12+group.Len()+len(dataset)))
	out.Write(make([]byte, 128))
	out.WriteString("DICM")
	// (0002,0000) UL group length: byte count of the rest of group 0002.
	writeTag(out, 0x0002, 0x0000)
	out.WriteString("UL")
	binary.Write(out, binary.LittleEndian, uint16(4))
	binary.Write(out, binary.LittleEndian, uint32(group.Len()))
	out.Write(group.Bytes())
	out.Write(dataset)
	return out.Bytes(), nil
}

// SplitFileMeta parses the part-10 envelope of a stored file, returning
// the file meta fields and the raw dataset that follows them.
func SplitFileMeta(file []byte) (FileMeta, []byte, error) {
	var meta FileMeta
	if len(file) < 132 || string(file[128:132]) != "DICM" {
		return meta, nil, fmt.Errorf("not a DICOM part-10 file")
	}
	b := file[132:]

	// (0002,0000) UL group length comes first.
	if len(b) < 12 {
		return meta, nil, fmt.Errorf("truncated file meta header")
	}
	group := binary.LittleEndian.Uint16(b[0:2])
	element := binary.LittleEndian.Uint16(b[2:4])
	if group != 0x0002 || element != 0x0000 || string(b[4:6]) != "UL" {
		return meta, nil, fmt.Errorf("missing file meta group length")
	}
	groupLen := binary.LittleEndian.Uint32(b[8:12])
	b = b[12:]
	if uint32(len(b)) < groupLen {
		return meta, nil, fmt.Errorf("truncated file meta group")
	}
	metaBytes, dataset := b[:groupLen], b[groupLen:]

	for len(metaBytes) > 0 {
		tagGroup := binary.LittleEndian.Uint16(metaBytes[0:2])
		tagElement := binary.LittleEndian.Uint16(metaBytes[2:4])
		if tagGroup != 0x0002 || len(metaBytes) < 8 {
			return meta, nil, fmt.Errorf("malformed file meta element")
		}
		vr := string(metaBytes[4:6])
		var valueLen, headerLen uint32
		switch vr {
		case "OB", "OW", "OF", "SQ", "UT", "UN":
			if len(metaBytes) < 12 {
				return meta, nil, fmt.Errorf("malformed file meta element")
			}
			valueLen = binary.LittleEndian.Uint32(metaBytes[8:12])
			headerLen = 12
		default:
			valueLen = uint32(binary.LittleEndian.Uint16(metaBytes[6:8]))
			headerLen = 8
		}
		if uint32(len(metaBytes)) < headerLen+valueLen {
			return meta, nil, fmt.Errorf("truncated file meta element")
		}
		value := metaBytes[headerLen : headerLen+valueLen]
		switch tagElement {
		case 0x0002:
			meta.MediaStorageSOPClassUID = trimUID(value)
		case 0x0003:
			meta.MediaStorageSOPInstanceUID = trimUID(value)
		case 0x0010:
			meta.TransferSyntaxUID = trimUID(value)
		}
		metaBytes = metaBytes[headerLen+valueLen:]
	}

	if meta.TransferSyntaxUID == "" {
		return meta, nil, fmt.Errorf("file meta has no transfer syntax")
	}
	return meta, dataset, nil
}

func writeTag(buf *bytes.Buffer, group, element uint16) {
	binary.Write(buf, binary.LittleEndian, group)
	binary.Write(buf, binary.LittleEndian, element)
}

// writeMetaUI writes a group 0002 UI element, NUL-padded to even length.
func writeMetaUI(buf *bytes.Buffer, element uint16, value string) {
	v := []byte(value)
	if len(v)%2 != 0 {
		v = append(v, 0x00)
	}
	writeTag(buf, 0x0002, element)
	buf.WriteString("UI")
	binary.Write(buf, binary.LittleEndian, uint16(len(v)))
	buf.Write(v)
}

// writeMetaSH writes a group 0002 SH element, space-padded to even
// length.
func writeMetaSH(buf *bytes.Buffer, element uint16, value string) {
	v := []byte(value)
	if len(v)%2 != 0 {
		v = append(v, ' ')
	}
	writeTag(buf, 0x0002, element)
	buf.WriteString("SH")
	binary.Write(buf, binary.LittleEndian, uint16(len(v)))
	buf.Write(v)
}

// writeMetaOB writes a group 0002 OB element with the long length form.
func writeMetaOB(buf *bytes.Buffer, element uint16, value []byte) {
	writeTag(buf, 0x0002, element)
	buf.WriteString("OB")
	buf.Write([]byte{0x00, 0x00})
	binary.Write(buf, binary.LittleEndian, uint32(len(value)))
	buf.Write(value)
}

func trimUID(b []byte) string {
	return string(bytes.TrimRight(b, "\x00 "))
}
