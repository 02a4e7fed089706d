package ymodem

import (
	"context"
	"errors"
	"fmt"
	"io"
)

type receiverState int

const (
	recvPoke receiverState = iota
	recvFilename
	recvData
	recvEOTAck
	recvDone
)

// runReceiver implements the receiver side of the transfer: poke the
// sender for a start byte, decode the filename packet (YMODEM) or go
// straight to data (XMODEM), accept/reject data packets by sequence
// number, and on EOT hand the file to the handler and loop for the next
// one. Resync after a lost packet or lost ACK is purely by sequence
// number, since XMODEM/YMODEM carry no explicit offsets on the wire.
func runReceiver(ctx context.Context, s *Session, handler FileHandler) error {
	state := recvPoke
	var (
		curWriter     io.WriteCloser
		curInfo       ReceivedFileInfo
		expected      byte
		retries       int
		pokeTries     int
		fileIndex     int
		received      uint64
		pendingHeader byte // a SOH/STX already consumed by ReadAndWait, not yet processed
		skipping      bool // current file was refused with ErrSkip; its data is discarded
	)

	pokeByte := func() byte {
		if s.cfg.Subtype == SubtypeG && s.features.Has(AllowYmodemG) {
			return G
		}
		if pokeTries < maxPokeAttempts/2 {
			return CRC
		}
		return NAK
	}

	headerAgain := func() receiverState {
		pendingHeader = 0
		if s.cfg.Protocol == ProtocolYmodem {
			return recvFilename
		}
		return recvData
	}

	for state != recvDone {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch state {
		case recvPoke:
			b := pokeByte()
			s.crcMode = b == CRC || b == G
			resp, err := s.ch.WriteAndWait(b, []byte{SOH, STX, EOT, CAN}, pokeInterval)
			if err != nil {
				pokeTries++
				if pokeTries >= maxPokeAttempts {
					return fmt.Errorf("ymodem: no response from sender after %d poke attempts", pokeTries)
				}
				continue
			}
			switch resp {
			case SOH, STX:
				// The start byte has already been consumed by
				// WriteAndWait; stash it so recvFilename/recvData don't
				// try to read a header byte again.
				pendingHeader = resp
				if s.cfg.Protocol == ProtocolYmodem {
					state = recvFilename
				} else {
					// XMODEM sends no filename packet: the file is offered
					// to the handler with an empty ReceivedFileInfo.
					w, aerr := handler.AcceptFile(ReceivedFileInfo{})
					if aerr != nil {
						return fmt.Errorf("ymodem: AcceptFile: %w", aerr)
					}
					curWriter = w
					expected = 1
					state = recvData
				}
			case EOT:
				state = recvEOTAck
			case CAN:
				s.stats.Aborts.Add(1)
				return ErrCancelled
			}

		case recvFilename:
			pkt, err := readDataPacket(s.ch, pendingHeader, s.crcMode, filenameAckWait)
			if err != nil {
				s.ch.Purge()
				retries++
				s.stats.Retries.Add(1)
				if errors.Is(err, errBadTrailer) {
					s.stats.CRCErrors.Add(1)
				}
				if retries >= s.cfg.MaxRetries {
					_ = s.ch.Write([]byte{CAN, CAN}, dataAckWait)
					return fmt.Errorf("ymodem: filename packet unreadable after %d retries: %w", retries, err)
				}
				if werr := s.ch.Write([]byte{NAK}, dataAckWait); werr != nil {
					return werr
				}
				state = headerAgain()
				continue
			}

			name, info, batchEnd, perr := parseFilenamePacket(pkt.Payload)
			if perr != nil {
				if werr := s.ch.Write([]byte{NAK}, dataAckWait); werr != nil {
					return werr
				}
				state = headerAgain()
				continue
			}
			if batchEnd {
				if werr := s.ch.Write([]byte{ACK}, dataAckWait); werr != nil {
					return werr
				}
				state = recvDone
				continue
			}

			curInfo = info
			curInfo.Name = name

			w, aerr := handler.AcceptFile(curInfo)
			// Nothing on the wire tells the sender to skip, so a skipped
			// file's data packets still arrive; they are ACKed and discarded.
			skipping = errors.Is(aerr, ErrSkip)
			if aerr != nil && !skipping {
				return fmt.Errorf("ymodem: AcceptFile(%q): %w", name, aerr)
			}
			curWriter = w
			received = 0
			retries = 0
			s.stats.PacketsReceived.Add(1)

			if werr := s.ch.Write([]byte{ACK}, dataAckWait); werr != nil {
				return werr
			}
			expected = 1
			pokeTries = 0
			pendingHeader = 0
			state = recvData

		case recvData:
			hdr := pendingHeader
			var herr error
			if hdr == 0 {
				hdr, herr = s.ch.ReadByte(pokeInterval)
			}
			pendingHeader = 0

			if herr == nil && hdr == EOT {
				state = recvEOTAck
				continue
			}
			if herr == nil && hdr == CAN {
				if s.ch.trackCAN(CAN) {
					s.stats.Aborts.Add(1)
					return ErrCancelled
				}
				continue
			}
			if herr != nil {
				retries++
				s.stats.Retries.Add(1)
				if retries >= s.cfg.MaxRetries {
					closeQuiet(curWriter)
					_ = s.ch.Write([]byte{CAN, CAN}, dataAckWait)
					return fmt.Errorf("ymodem: no data packet header after %d retries: %w", retries, herr)
				}
				continue
			}
			if hdr != SOH && hdr != STX {
				s.ch.Purge()
				continue
			}

			pkt, derr := readDataPacket(s.ch, hdr, s.crcMode, dataAckWait)
			if derr != nil {
				s.ch.Purge()
				retries++
				s.stats.Retries.Add(1)
				if errors.Is(derr, errBadTrailer) {
					s.stats.CRCErrors.Add(1)
				}
				if retries >= s.cfg.MaxRetries {
					closeQuiet(curWriter)
					_ = s.ch.Write([]byte{CAN, CAN}, dataAckWait)
					return fmt.Errorf("ymodem: data packet validation failed %d times: %w", retries, derr)
				}
				if werr := s.ch.Write([]byte{NAK}, dataAckWait); werr != nil {
					return werr
				}
				continue
			}

			switch {
			case pkt.Seq == expected:
				n := len(pkt.Payload)
				if curInfo.Size > 0 {
					remaining := curInfo.Size - int64(received)
					if remaining >= 0 && remaining < int64(n) {
						n = int(remaining)
					}
				} else {
					n = trimPad(pkt.Payload)
				}
				if skipping {
					n = 0
				}
				if n > 0 {
					if _, werr := curWriter.Write(pkt.Payload[:n]); werr != nil {
						closeQuiet(curWriter)
						return fmt.Errorf("ymodem: write %q: %w", curInfo.Name, werr)
					}
				}
				received += uint64(n)
				s.stats.BytesReceived.Add(uint64(n))
				s.stats.PacketsReceived.Add(1)
				retries = 0
				expected++
				handler.Progress(fileIndex, curInfo.Name, uint64(curInfo.Size), received)
				if werr := s.ch.Write([]byte{ACK}, dataAckWait); werr != nil {
					return werr
				}

			case pkt.Seq == expected-1:
				// Sender retransmitted a packet we already acknowledged
				// (our ACK was lost in flight); re-ACK without rewriting.
				if werr := s.ch.Write([]byte{ACK}, dataAckWait); werr != nil {
					return werr
				}

			default:
				s.ch.Purge()
				retries++
				if retries >= s.cfg.MaxRetries {
					closeQuiet(curWriter)
					_ = s.ch.Write([]byte{CAN, CAN}, dataAckWait)
					return fmt.Errorf("ymodem: sequence mismatch for %q (got %d, want %d) after %d retries", curInfo.Name, pkt.Seq, expected, retries)
				}
				if werr := s.ch.Write([]byte{NAK}, dataAckWait); werr != nil {
					return werr
				}
			}

		case recvEOTAck:
			if err := s.ch.Write([]byte{ACK}, dataAckWait); err != nil {
				return err
			}
			if curWriter != nil || skipping {
				closeQuiet(curWriter)
				var cerr error
				if skipping {
					cerr = ErrSkip
				}
				handler.Completed(fileIndex, curInfo.Name, uint64(curInfo.Size), received, cerr)
				curWriter, skipping = nil, false
				fileIndex++
			}
			pendingHeader = 0
			if s.cfg.Protocol == ProtocolYmodem {
				pokeTries = 0
				state = recvPoke
			} else {
				state = recvDone
			}
		}
	}

	return nil
}

// trimPad strips trailing padByte bytes from a short/unknown-length
// payload when the sender's filename packet carried no length field.
func trimPad(payload []byte) int {
	n := len(payload)
	for n > 0 && payload[n-1] == padByte {
		n--
	}
	return n
}

func closeQuiet(w io.WriteCloser) {
	if w != nil {
		_ = w.Close()
	}
}
