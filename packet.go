package ymodem

import "fmt"

// PacketKind distinguishes the two payload sizes selectable by the header
// byte.
type PacketKind int

const (
	ShortPacket PacketKind = iota // SOH, 128-byte payload
	LongPacket                    // STX, 1024-byte payload
)

func (k PacketKind) payloadSize() int {
	if k == LongPacket {
		return longPacketSize
	}
	return shortPacketSize
}

func (k PacketKind) headerByte() byte {
	if k == LongPacket {
		return STX
	}
	return SOH
}

// trailerSize returns 1 (checksum) or 2 (CRC-16) depending on crcMode.
func trailerSize(crcMode bool) int {
	if crcMode {
		return 2
	}
	return 1
}

// encodeDataPacket builds the on-wire bytes for a data (or filename, or
// batch-end) packet: HDR(1) SEQ(1) ~SEQ(1) DATA(N) TRAILER(T).
//
// payload must already be exactly kind.payloadSize() bytes; the caller is
// responsible for padding (0x1A for data packets, 0x00 for the filename
// packet).
func encodeDataPacket(kind PacketKind, seq byte, payload []byte, crcMode bool) []byte {
	n := kind.payloadSize()
	if len(payload) != n {
		panic(fmt.Sprintf("ymodem: payload length %d does not match packet size %d", len(payload), n))
	}

	buf := make([]byte, 0, 3+n+2)
	buf = append(buf, kind.headerByte(), seq, ^seq)
	buf = append(buf, payload...)

	if crcMode {
		crc := crc16(payload)
		buf = append(buf, byte(crc>>8), byte(crc&0xff))
	} else {
		buf = append(buf, checksum8(payload))
	}
	return buf
}

// padPayload pads data to size n with fill, returning a fresh slice.
func padPayload(data []byte, n int, fill byte) []byte {
	buf := make([]byte, n)
	copied := copy(buf, data)
	for i := copied; i < n; i++ {
		buf[i] = fill
	}
	return buf
}

// decodedPacket is a verified data packet read from the wire.
type decodedPacket struct {
	Kind    PacketKind
	Seq     byte
	Payload []byte
}

// errBadComplement / errBadTrailer classify a frame that failed validation,
// so callers can decide whether to drain-and-NAK.
var (
	errBadComplement = fmt.Errorf("ymodem: sequence complement mismatch")
	errBadTrailer    = fmt.Errorf("ymodem: trailer verification failed")
)

// readDataPacket reads the body of a data packet given that hdr (SOH or STX)
// has already been consumed from the channel. It reads SEQ, ~SEQ, the
// payload, and the trailer within the supplied timeout, verifies the
// complement and the trailer, and returns the decoded packet.
//
// On a complement or trailer failure the full N+T body has still been
// consumed from the channel (the read is unconditional) so the caller does
// not need to purge separately for this packet, only for bytes that may
// follow a timeout.
func readDataPacket(ch *Channel, hdr byte, crcMode bool, timeout float64) (decodedPacket, error) {
	kind := ShortPacket
	if hdr == STX {
		kind = LongPacket
	}
	n := kind.payloadSize()
	t := trailerSize(crcMode)

	body, err := ch.ReadFull(2+n+t, timeout)
	if err != nil {
		return decodedPacket{}, err
	}

	seq := body[0]
	comp := body[1]
	payload := body[2 : 2+n]
	trailer := body[2+n:]

	var trailerOK bool
	if crcMode {
		trailerOK = crc16(payload) == uint16(trailer[0])<<8|uint16(trailer[1])
	} else {
		trailerOK = checksum8(payload) == trailer[0]
	}

	if comp != ^seq {
		return decodedPacket{Kind: kind, Seq: seq, Payload: payload}, errBadComplement
	}
	if !trailerOK {
		return decodedPacket{Kind: kind, Seq: seq, Payload: payload}, errBadTrailer
	}

	return decodedPacket{Kind: kind, Seq: seq, Payload: payload}, nil
}
