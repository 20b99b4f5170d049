package changeset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/annel0/blockedit/internal/region"
	"github.com/annel0/blockedit/internal/vec"
	"github.com/annel0/blockedit/internal/world/block"
	"github.com/google/uuid"
)

// Бинарный формат (big-endian):
//
//	magic "BEHS" | version u8 | flags u8
//	actor [16]byte | worldLen u16 | world
//	start i64 ms | end i64 ms | firstSeq u64 | lastSeq u64
//	bounds: minX i32 minY i16 minZ i32 maxX i32 maxY i16 maxZ i32
//	entryCount u32
//	entryCount * { x i32 | y i16 | z i32 | old u32 | new u32 }
//	crc32 (IEEE) всего предыдущего
const (
	formatVersion = 1
	flagReversed  = 1 << 0

	// EntrySize размер одной записи в байтах
	EntrySize = 4 + 2 + 4 + 4 + 4
	boxSize   = 4 + 2 + 4 + 4 + 2 + 4
	fixedHead = 4 + 1 + 1 + 16 + 2 + 8 + 8 + 8 + 8 + boxSize + 4
	crcSize   = 4
)

var magic = [4]byte{'B', 'E', 'H', 'S'}

var (
	// ErrCorrupted данные повреждены или обрезаны
	ErrCorrupted = errors.New("повреждённая запись набора изменений")
	// ErrCoordinateRange координата не помещается в формат записи
	ErrCoordinateRange = errors.New("координата вне диапазона формата")
)

// HeaderSize размер заголовка для мира с именем длины worldLen
func HeaderSize(worldLen int) int {
	return fixedHead + worldLen
}

// Encode сериализует набор целиком
func Encode(cs *ChangeSet) ([]byte, error) {
	h := cs.Header()
	buf, err := appendHeader(make([]byte, 0, HeaderSize(len(h.World))+len(cs.entries)*EntrySize+crcSize), h)
	if err != nil {
		return nil, err
	}
	for _, e := range cs.entries {
		if buf, err = appendPos(buf, e.Pos); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(e.Old))
		buf = binary.BigEndian.AppendUint32(buf, uint32(e.New))
	}
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf)), nil
}

// EncodeHeader сериализует только заголовок (значение индекса в хранилище)
func EncodeHeader(h Header) ([]byte, error) {
	return appendHeader(make([]byte, 0, HeaderSize(len(h.World))), h)
}

func appendHeader(buf []byte, h Header) ([]byte, error) {
	if len(h.World) > math.MaxUint16 {
		return nil, fmt.Errorf("слишком длинное имя мира: %d байт", len(h.World))
	}
	var flags byte
	if h.Reversed {
		flags |= flagReversed
	}

	buf = append(buf, magic[:]...)
	buf = append(buf, formatVersion, flags)
	buf = append(buf, h.Actor[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.World)))
	buf = append(buf, h.World...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.Start.UnixMilli()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.End.UnixMilli()))
	buf = binary.BigEndian.AppendUint64(buf, h.FirstSeq)
	buf = binary.BigEndian.AppendUint64(buf, h.LastSeq)

	var err error
	if buf, err = appendPos(buf, h.Bounds.Min); err != nil {
		return nil, err
	}
	if buf, err = appendPos(buf, h.Bounds.Max); err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint32(buf, h.EntryCount), nil
}

func appendPos(buf []byte, p vec.Vec3) ([]byte, error) {
	if p.X < math.MinInt32 || p.X > math.MaxInt32 ||
		p.Z < math.MinInt32 || p.Z > math.MaxInt32 ||
		p.Y < math.MinInt16 || p.Y > math.MaxInt16 {
		return nil, fmt.Errorf("%w: %s", ErrCoordinateRange, p)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(p.X)))
	buf = binary.BigEndian.AppendUint16(buf, uint16(int16(p.Y)))
	return binary.BigEndian.AppendUint32(buf, uint32(int32(p.Z))), nil
}

// reader последовательное чтение с запоминанием первой ошибки
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: нужно %d байт на смещении %d, есть %d", ErrCorrupted, n, r.off, len(r.data))
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) pos() vec.Vec3 {
	x := int32(r.u32())
	y := int16(r.u16())
	z := int32(r.u32())
	return vec.Vec3{X: int(x), Y: int(y), Z: int(z)}
}

func (r *reader) header() Header {
	var h Header
	m := r.take(4)
	if r.err == nil && [4]byte(m) != magic {
		r.err = fmt.Errorf("%w: неверная сигнатура %q", ErrCorrupted, m)
		return h
	}
	if v := r.u8(); r.err == nil && v != formatVersion {
		r.err = fmt.Errorf("%w: неподдерживаемая версия %d", ErrCorrupted, v)
		return h
	}
	flags := r.u8()
	if id := r.take(16); id != nil {
		h.Actor = uuid.UUID(id)
	}
	h.World = string(r.take(int(r.u16())))
	h.Start = time.UnixMilli(int64(r.u64()))
	h.End = time.UnixMilli(int64(r.u64()))
	h.FirstSeq = r.u64()
	h.LastSeq = r.u64()
	h.Bounds = region.Box{Min: r.pos(), Max: r.pos()}
	h.EntryCount = r.u32()
	h.Reversed = flags&flagReversed != 0
	return h
}

// DecodeHeader читает только заголовок. Записи и контрольная сумма не проверяются,
// поэтому подходит и для полного блоба, и для значения индекса.
func DecodeHeader(data []byte) (Header, error) {
	r := &reader{data: data}
	h := r.header()
	return h, r.err
}

// Decode разбирает полный блоб с проверкой контрольной суммы
func Decode(data []byte) (*ChangeSet, error) {
	if len(data) < fixedHead+crcSize {
		return nil, fmt.Errorf("%w: слишком короткая запись (%d байт)", ErrCorrupted, len(data))
	}
	body, sum := data[:len(data)-crcSize], binary.BigEndian.Uint32(data[len(data)-crcSize:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("%w: контрольная сумма не совпадает", ErrCorrupted)
	}

	r := &reader{data: body}
	h := r.header()
	if r.err != nil {
		return nil, r.err
	}
	if want := r.off + int(h.EntryCount)*EntrySize; want != len(body) {
		return nil, fmt.Errorf("%w: %d записей не соответствуют длине %d", ErrCorrupted, h.EntryCount, len(body))
	}

	entries := make([]Entry, h.EntryCount)
	for i := range entries {
		entries[i] = Entry{
			Pos: r.pos(),
			Old: block.BlockID(r.u32()),
			New: block.BlockID(r.u32()),
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &ChangeSet{header: h, entries: entries}, nil
}
