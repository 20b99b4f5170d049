package storage

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/annel0/blockedit/internal/world/block"
	"github.com/klauspost/compress/zstd"
)

// chunkCodec упаковывает массив блоков: uint32 little-endian, затем zstd.
// Воздух и однородные слои сжимаются в сотни раз.
type chunkCodec struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func (c *chunkCodec) init() error {
	c.once.Do(func() {
		c.enc, c.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if c.err != nil {
			return
		}
		c.dec, c.err = zstd.NewReader(nil)
	})
	return c.err
}

func (c *chunkCodec) encode(blocks []block.BlockID) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	raw := make([]byte, 4*len(blocks))
	for i, id := range blocks {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(id))
	}
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/16)), nil
}

func (c *chunkCodec) decode(data []byte) ([]block.BlockID, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка распаковки чанка: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("повреждённый чанк: %d байт не кратно 4", len(raw))
	}
	blocks := make([]block.BlockID, len(raw)/4)
	for i := range blocks {
		blocks[i] = block.BlockID(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return blocks, nil
}

func (c *chunkCodec) close() {
	if c.enc != nil {
		_ = c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}
