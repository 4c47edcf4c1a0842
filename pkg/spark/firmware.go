// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"encoding/binary"
	"hash/crc32"
)

// FirmwareUpdate is the state of one over-the-air file transfer. At most one
// exists per session.
type FirmwareUpdate struct {
	desc          FileDescriptor
	chunkSize     uint16
	chunkIndex    uint16
	fast          bool
	missingMode   bool
	missedIndex   uint16
	bitmap        []byte
	bytesReceived uint32
	crc           uint32
}

func newFirmwareUpdate(desc FileDescriptor, fast bool) *FirmwareUpdate {
	u := &FirmwareUpdate{
		desc:      desc,
		chunkSize: desc.ChunkSize,
		fast:      fast,
		bitmap:    make([]byte, (desc.ChunkCount()+7)/8),
	}
	// Outside fast mode chunks arrive in order and are acknowledged one by
	// one, so nothing is ever reported missing.
	if !fast {
		for i := range u.bitmap {
			u.bitmap[i] = 0xFF
		}
	}
	return u
}

// Descriptor returns the file being transferred.
func (u *FirmwareUpdate) Descriptor() FileDescriptor { return u.desc }

// Fast reports whether the cloud enabled fast mode for this update.
func (u *FirmwareUpdate) Fast() bool { return u.fast }

// ChunkIndex is the index the next chunk without an explicit index gets.
func (u *FirmwareUpdate) ChunkIndex() uint16 { return u.chunkIndex }

// BytesReceived counts bytes of accepted chunks.
func (u *FirmwareUpdate) BytesReceived() uint32 { return u.bytesReceived }

// CRC is the CRC-32 of accepted chunk data in arrival order.
func (u *FirmwareUpdate) CRC() uint32 { return u.crc }

func (u *FirmwareUpdate) markReceived(idx uint16) {
	if int(idx>>3) < len(u.bitmap) {
		u.bitmap[idx>>3] |= 1 << (idx & 7)
	}
}

func (u *FirmwareUpdate) isReceived(idx uint16) bool {
	if int(idx>>3) >= len(u.bitmap) {
		return true
	}
	return u.bitmap[idx>>3]&(1<<(idx&7)) != 0
}

// nextMissing returns the first chunk at or after start not yet received.
func (u *FirmwareUpdate) nextMissing(start uint16) (uint16, bool) {
	chunks := u.desc.ChunkCount()
	for idx := int(start); idx < chunks; idx++ {
		if !u.isReceived(uint16(idx)) {
			return uint16(idx), true
		}
	}
	return 0, false
}

// Missing returns the indices of all chunks not yet received.
func (u *FirmwareUpdate) Missing() []uint16 {
	var out []uint16
	for idx, ok := u.nextMissing(0); ok; idx, ok = u.nextMissing(idx + 1) {
		out = append(out, idx)
	}
	return out
}

// parseUpdateBegin reads the optional update descriptor payload:
// flags(1) chunk size(2) file length(4) store(1) file address(4).
func parseUpdateBegin(payload []byte) (FileDescriptor, uint8) {
	desc := FileDescriptor{ChunkSize: DefaultChunkSize, Store: StoreFirmware}
	if len(payload) < 12 {
		return desc, 0
	}
	flags := payload[0]
	desc.ChunkSize = binary.BigEndian.Uint16(payload[1:3])
	desc.FileLength = binary.BigEndian.Uint32(payload[3:7])
	desc.Store = payload[7]
	desc.FileAddress = binary.BigEndian.Uint32(payload[8:12])
	desc.ChunkAddress = desc.FileAddress
	return desc, flags
}

func (s *Session) handleUpdateBegin(m *Message) error {
	hi, lo := m.idBytes()
	desc, flags := parseUpdateBegin(m.Payload)

	ok := true
	if s.update != nil {
		s.log.Warn().Err(ErrUpdateInProgress).Msg("Refusing update begin")
		ok = false
	}
	if ok {
		if err := s.callbacks.PrepareFirmwareUpdate(desc, true); err != nil {
			s.log.Warn().Err(err).Msg("Update rejected by device")
			ok = false
		}
	}
	if ok && desc.ChunkCount() >= MaxChunks {
		s.log.Warn().Int("chunks", desc.ChunkCount()).Msg("Update has too many chunks")
		ok = false
	}

	code := CodeEmpty
	if !ok {
		code = CodeBadRequest
	}
	if err := s.send(codedAck(code, hi, lo)); err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := s.callbacks.PrepareFirmwareUpdate(desc, false); err != nil {
		s.log.Warn().Err(err).Msg("Prepare firmware update failed")
		return nil
	}
	fast := flags&UpdateFlagFast != 0
	s.update = newFirmwareUpdate(desc, fast)
	s.lastChunkMillis = s.clock.Millis()
	s.stats.UpdatesStarted++
	s.log.Info().
		Uint32("length", desc.FileLength).
		Int("chunks", desc.ChunkCount()).
		Uint16("chunk_size", desc.ChunkSize).
		Bool("fast", fast).
		Msg("Starting firmware update")

	return s.send(updateReady(s.nextMessageID(), m.TokenByte(), flags&UpdateFlagFast))
}

func (s *Session) handleChunk(m *Message) error {
	s.lastChunkMillis = s.clock.Millis()
	hi, lo := m.idBytes()
	if err := s.send(emptyAck(hi, lo)); err != nil {
		return err
	}
	u := s.update
	if u == nil {
		s.log.Warn().Msg("Got chunk when not updating")
		s.stats.ChunksRejected++
		return nil
	}

	var given uint32
	fast := false
	q := m.Queries()
	if len(q) > 0 {
		given = decodeUint(q[0])
	}
	if len(q) > 1 {
		u.chunkIndex = uint16(decodeUint(q[1]))
		fast = true
	}
	if u.chunkIndex >= MaxChunks {
		return newError(KindApplication, "chunk", "invalid chunk index")
	}

	chunk := m.Payload
	desc := u.desc
	desc.ChunkSize = uint16(len(chunk))
	desc.ChunkIndex = u.chunkIndex
	desc.ChunkAddress = desc.FileAddress + uint32(u.chunkIndex)*uint32(u.chunkSize)

	token := m.TokenByte()
	if s.checksum(chunk) != given {
		s.log.Warn().Uint16("index", u.chunkIndex).Msg("Chunk bad")
		return s.rejectChunk(token, fast)
	}
	if err := s.callbacks.SaveFirmwareChunk(desc, chunk); err != nil {
		s.log.Warn().Err(err).Uint16("index", u.chunkIndex).Msg("Saving chunk failed")
		return s.rejectChunk(token, fast)
	}

	u.markReceived(u.chunkIndex)
	u.bytesReceived += uint32(len(chunk))
	u.crc = crc32.Update(u.crc, crc32.IEEETable, chunk)
	s.stats.ChunksOK++

	if !fast || !u.missingMode {
		if err := s.send(chunkReceived(s.nextMessageID(), token, ChunkReceivedOK)); err != nil {
			return err
		}
	}
	if u.missingMode {
		next, missing := u.nextMissing(0)
		if !missing {
			s.log.Info().Msg("Received all chunks")
			s.update = nil
			msg := updateDoneNotify(s.nextMessageID())
			s.finishUpdate(u)
			return s.send(msg)
		}
		if next > u.missedIndex {
			if err := s.sendMissingChunks(MissedChunksToSend); err != nil {
				return err
			}
		}
	}
	u.chunkIndex++
	return nil
}

// rejectChunk answers a chunk that was not stored. Fast mode chunks are
// requested again once the transfer ends.
func (s *Session) rejectChunk(token byte, fast bool) error {
	s.stats.ChunksBad++
	if fast {
		return nil
	}
	return s.send(chunkReceived(s.nextMessageID(), token, ChunkReceivedBad))
}

func (s *Session) handleUpdateDone(m *Message) error {
	hi, lo := m.idBytes()
	token := m.TokenByte()
	u := s.update
	if u == nil {
		s.log.Warn().Err(ErrNoUpdate).Msg("Update done received")
		return s.send(codedAckToken(token, ChunkReceivedBad, hi, lo))
	}

	first, missing := u.nextMissing(0)
	code := ChunkReceivedOK
	if missing {
		code = ChunkReceivedBad
	}
	if err := s.send(codedAckToken(token, code, hi, lo)); err != nil {
		return err
	}

	if !missing {
		s.update = nil
		s.finishUpdate(u)
		return nil
	}
	s.log.Info().Uint16("first", first).Msg("Update done, requesting missing chunks")
	u.missingMode = true
	if err := s.sendMissingChunks(MissedChunksToSend); err != nil {
		return err
	}
	s.lastChunkMillis = s.clock.Millis()
	return nil
}

func (s *Session) finishUpdate(u *FirmwareUpdate) {
	if err := s.callbacks.FinishFirmwareUpdate(u.desc); err != nil {
		s.log.Warn().Err(err).Msg("Finishing firmware update failed")
		s.stats.UpdatesAborted++
		return
	}
	s.stats.UpdatesCompleted++
	s.log.Info().Uint32("bytes", u.bytesReceived).Msg("Firmware update complete")
}

// sendMissingChunks requests up to count missing chunks in one message.
func (s *Session) sendMissingChunks(count int) error {
	u := s.update
	if u == nil {
		return nil
	}
	var indices []uint16
	for idx, ok := u.nextMissing(0); ok && len(indices) < count; idx, ok = u.nextMissing(idx + 1) {
		indices = append(indices, idx)
		u.missedIndex = idx
	}
	if len(indices) == 0 {
		return nil
	}
	s.log.Debug().Int("count", len(indices)).Msg("Requesting missing chunks")
	s.stats.ChunksRequested += uint64(len(indices))
	return s.send(chunkMissed(s.nextMessageID(), indices))
}
