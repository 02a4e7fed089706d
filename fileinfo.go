package ymodem

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// marshalFilenamePacket encodes a YMODEM filename packet:
//
//	NAME\0 [LEN [ MTIME_OCT [ MODE_OCT [ SN_OCT ]]]] \0...\0
//
// padded with NUL to packetSize. Fields after the name are included only
// if their FeatureFlags bit is set, in the fixed length/mtime/mode/sn
// order with decimal length and octal mtime/mode/sn.
func marshalFilenamePacket(task *SendTask, flags FeatureFlags, packetSize int) []byte {
	var b strings.Builder
	b.WriteString(task.Name)
	b.WriteByte(0)

	if flags.Has(UseLength) {
		fmt.Fprintf(&b, "%d", task.Size)
		if flags.Has(UseDate) {
			fmt.Fprintf(&b, " %o", task.Mtime)
			if flags.Has(UseMode) {
				if task.Mode == 0 {
					b.WriteString(" 0")
				} else {
					fmt.Fprintf(&b, " %o", task.Mode)
				}
				if flags.Has(UseSN) {
					fmt.Fprintf(&b, " %o", task.SN)
				}
			}
		}
	}

	return padPayload([]byte(b.String()), packetSize, 0)
}

// marshalBatchEnd builds the all-zero seq-0 packet that signals "no more
// files".
func marshalBatchEnd(packetSize int) []byte {
	return make([]byte, packetSize)
}

// parseFilenamePacket splits a filename-packet payload at the first NUL.
// An empty name signals batch end. Fields after the NUL
// are parsed in order — decimal length, octal mtime, octal mode, octal
// serial number — each best-effort: a missing or unparseable field simply
// leaves the corresponding ReceivedFileInfo member at its zero value.
func parseFilenamePacket(data []byte) (name string, info ReceivedFileInfo, batchEnd bool, err error) {
	nullIdx := -1
	for i, c := range data {
		if c == 0 {
			nullIdx = i
			break
		}
	}
	if nullIdx < 0 {
		return "", ReceivedFileInfo{}, false, fmt.Errorf("ymodem: filename packet missing NUL terminator")
	}

	name = string(data[:nullIdx])
	if name == "" {
		return "", ReceivedFileInfo{}, true, nil
	}
	info.Name = name

	rest := data[nullIdx+1:]
	for len(rest) > 0 && rest[len(rest)-1] == 0 {
		rest = rest[:len(rest)-1]
	}
	fields := strings.Fields(string(rest))

	if len(fields) > 0 {
		if v, perr := strconv.ParseInt(fields[0], 10, 64); perr == nil {
			info.Size = v
		}
	}
	if len(fields) > 1 {
		if v, perr := strconv.ParseUint(fields[1], 8, 64); perr == nil {
			info.Mtime = v
		}
	}
	if len(fields) > 2 {
		if v, perr := strconv.ParseUint(fields[2], 8, 32); perr == nil {
			info.Mode = uint32(v)
		}
	}
	if len(fields) > 3 {
		if v, perr := strconv.ParseUint(fields[3], 8, 32); perr == nil {
			info.SN = uint32(v)
		}
	}

	return name, info, false, nil
}

// SanitizeFilename strips directory components from a peer-supplied
// filename, rejecting "../" path traversal. The core never calls this
// itself (filesystem handling is out of scope for this package) — it is
// offered for FileHandler implementations to use in AcceptFile.
func SanitizeFilename(name string) string {
	return filepath.Base(name)
}
