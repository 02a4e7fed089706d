package ymodem

import (
	"context"
	"errors"
	"fmt"
	"io"
)

type senderState int

const (
	sendHandshake senderState = iota
	sendNextFile
	sendFilename
	sendFilenameAck
	sendData
	sendEOT
	sendBatchEnd
	sendDone
)

// runSender implements the sender side of the transfer: one start
// handshake, then for each file a filename packet (YMODEM only) followed
// by the data phase, terminated by EOT; YMODEM additionally sends an
// all-zero batch-end packet once the handler reports no more files. Each
// data packet is acknowledged individually except under YMODEM-G, which
// streams unacked.
func runSender(ctx context.Context, s *Session, handler FileHandler) error {
	state := sendHandshake
	var (
		task      *SendTask
		seq       byte
		retries   int
		fileIndex int
		bytesSent uint64
	)

	kind := ShortPacket
	if s.packetSize == longPacketSize {
		kind = LongPacket
	}

	for state != sendDone {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch state {
		case sendHandshake:
			expected := []byte{NAK, CRC}
			if s.features.Has(AllowYmodemG) {
				expected = append(expected, G)
			}
			b, err := s.ch.ReadAndWait(expected, startHandshakeWait)
			if err != nil {
				if errors.Is(err, ErrCancelled) {
					s.stats.Aborts.Add(1)
					return ErrCancelled
				}
				return fmt.Errorf("ymodem: no start handshake from receiver: %w", err)
			}
			switch b {
			case CRC:
				s.crcMode = true
			case G:
				s.crcMode = true
				if s.features.Has(AllowYmodemG) {
					s.subtype = SubtypeG
				}
			case NAK:
				s.crcMode = false
			}
			s.logger.Debug("start handshake complete", "crc", s.crcMode, "subtype", s.subtype)
			state = sendNextFile

		case sendNextFile:
			task = handler.NextFile()
			if task == nil {
				if s.cfg.Protocol == ProtocolYmodem {
					state = sendBatchEnd
				} else {
					state = sendDone
				}
				continue
			}
			retries = 0
			bytesSent = 0
			s.taskIndex = fileIndex
			fileIndex++
			if s.cfg.Protocol == ProtocolYmodem {
				seq = 0
				state = sendFilename
			} else {
				seq = 1
				state = sendData
			}

		case sendFilename:
			payload := marshalFilenamePacket(task, s.features, s.packetSize)
			pkt := encodeDataPacket(kind, seq, payload, s.crcMode)
			if err := s.ch.Write(pkt, filenameAckWait); err != nil {
				return err
			}
			s.stats.PacketsSent.Add(1)
			state = sendFilenameAck

		case sendFilenameAck:
			b, err := s.ch.ReadAndWait([]byte{ACK, NAK, CAN}, filenameAckWait)
			if err != nil {
				retries++
				s.stats.Retries.Add(1)
				if retries >= s.cfg.MaxRetries {
					_ = s.ch.Write([]byte{CAN, CAN}, dataAckWait)
					return fmt.Errorf("ymodem: filename packet for %q not acknowledged after %d retries", task.Name, retries)
				}
				state = sendFilename
				continue
			}
			switch b {
			case ACK:
				seq = 1
				retries = 0
				state = sendData
			case NAK:
				retries++
				if retries >= s.cfg.MaxRetries {
					_ = s.ch.Write([]byte{CAN, CAN}, dataAckWait)
					return fmt.Errorf("ymodem: filename packet for %q rejected %d times", task.Name, retries)
				}
				state = sendFilename
			case CAN:
				s.stats.Aborts.Add(1)
				return ErrCancelled
			}

		case sendData:
			buf := make([]byte, s.packetSize)
			n, readErr := io.ReadFull(task.Reader, buf)
			if n == 0 {
				if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
					state = sendEOT
					continue
				}
				return fmt.Errorf("ymodem: read %q: %w", task.Name, readErr)
			}
			if n < s.packetSize {
				for i := n; i < s.packetSize; i++ {
					buf[i] = padByte
				}
			}
			pkt := encodeDataPacket(kind, seq, buf, s.crcMode)

			if s.subtype == SubtypeG {
				if err := s.ch.Write(pkt, dataAckWait); err != nil {
					return err
				}
				s.stats.PacketsSent.Add(1)
				s.stats.BytesSent.Add(uint64(n))
				bytesSent += uint64(n)
				seq++
				task.Sent = bytesSent
				handler.Progress(s.taskIndex, task.Name, uint64(task.Size), bytesSent)
				if readErr == io.ErrUnexpectedEOF {
					state = sendEOT
				}
				continue
			}

			sent := false
			for !sent {
				if err := s.ch.Write(pkt, dataAckWait); err != nil {
					return err
				}
				s.stats.PacketsSent.Add(1)

				b, err := s.ch.ReadAndWait([]byte{ACK, NAK, CAN}, dataAckWait)
				if err != nil {
					retries++
					s.stats.Retries.Add(1)
					if retries >= s.cfg.MaxRetries {
						_ = s.ch.Write([]byte{CAN, CAN}, dataAckWait)
						handler.Completed(s.taskIndex, task.Name, uint64(task.Size), bytesSent, fmt.Errorf("ymodem: max retries exceeded sending %q", task.Name))
						return fmt.Errorf("ymodem: max retries exceeded sending packet %d of %q", seq, task.Name)
					}
					continue
				}
				switch b {
				case ACK:
					sent = true
				case NAK:
					retries++
					s.stats.Retries.Add(1)
					if retries >= s.cfg.MaxRetries {
						_ = s.ch.Write([]byte{CAN, CAN}, dataAckWait)
						handler.Completed(s.taskIndex, task.Name, uint64(task.Size), bytesSent, fmt.Errorf("ymodem: max retries exceeded sending %q", task.Name))
						return fmt.Errorf("ymodem: max retries exceeded sending packet %d of %q", seq, task.Name)
					}
				case CAN:
					s.stats.Aborts.Add(1)
					handler.Completed(s.taskIndex, task.Name, uint64(task.Size), bytesSent, ErrCancelled)
					return ErrCancelled
				}
			}
			s.stats.BytesSent.Add(uint64(n))
			bytesSent += uint64(n)
			seq++
			task.Sent = bytesSent
			handler.Progress(s.taskIndex, task.Name, uint64(task.Size), bytesSent)
			if readErr == io.ErrUnexpectedEOF {
				state = sendEOT
			}

		case sendEOT:
			eotRetries := 0
			for {
				b, err := s.ch.WriteAndWait(EOT, []byte{ACK, NAK, CAN}, eotAckWait)
				if err != nil {
					eotRetries++
					if eotRetries >= s.cfg.MaxRetries {
						_ = s.ch.Write([]byte{CAN, CAN}, dataAckWait)
						handler.Completed(s.taskIndex, task.Name, uint64(task.Size), bytesSent, fmt.Errorf("ymodem: no EOT acknowledgment for %q", task.Name))
						return fmt.Errorf("ymodem: no EOT acknowledgment for %q after %d retries", task.Name, eotRetries)
					}
					continue
				}
				switch b {
				case ACK:
					handler.Completed(s.taskIndex, task.Name, uint64(task.Size), bytesSent, nil)
					state = sendNextFile
				case NAK:
					eotRetries++
					if eotRetries >= s.cfg.MaxRetries {
						_ = s.ch.Write([]byte{CAN, CAN}, dataAckWait)
						handler.Completed(s.taskIndex, task.Name, uint64(task.Size), bytesSent, fmt.Errorf("ymodem: EOT rejected for %q", task.Name))
						return fmt.Errorf("ymodem: EOT rejected %d times for %q", eotRetries, task.Name)
					}
					continue
				case CAN:
					s.stats.Aborts.Add(1)
					handler.Completed(s.taskIndex, task.Name, uint64(task.Size), bytesSent, ErrCancelled)
					return ErrCancelled
				}
				break
			}

		case sendBatchEnd:
			// No response is required for the batch-end packet (spec
			// §4.5): it is sent once and the sender is done, regardless
			// of whether the receiver's ACK ever arrives.
			payload := marshalBatchEnd(s.packetSize)
			pkt := encodeDataPacket(kind, 0, payload, s.crcMode)
			if err := s.ch.Write(pkt, filenameAckWait); err != nil {
				return err
			}
			s.stats.PacketsSent.Add(1)
			state = sendDone
		}
	}

	return nil
}
