package raster

import (
	"encoding/binary"
	"math"
)

// codec converts between binary samples and float64 for one header.
type codec struct {
	dt    DataType
	size  int
	order binary.ByteOrder
}

func newCodec(h *Header) codec {
	var order binary.ByteOrder = binary.LittleEndian
	if h.BigEndian {
		order = binary.BigEndian
	}
	return codec{dt: h.DataType, size: h.DataType.Size(), order: order}
}

func (c codec) decode(b []byte) float64 {
	switch c.dt {
	case Byte:
		return float64(b[0])
	case Int16:
		return float64(int16(c.order.Uint16(b)))
	case Uint16:
		return float64(c.order.Uint16(b))
	case Int32:
		return float64(int32(c.order.Uint32(b)))
	case Uint32:
		return float64(c.order.Uint32(b))
	case Float32:
		return float64(math.Float32frombits(c.order.Uint32(b)))
	case Float64:
		return math.Float64frombits(c.order.Uint64(b))
	case Int64:
		return float64(int64(c.order.Uint64(b)))
	case Uint64:
		return float64(c.order.Uint64(b))
	}
	return math.NaN()
}

// encode writes v into b. Integer types are rounded and saturated; NaN
// becomes zero.
func (c codec) encode(b []byte, v float64) {
	switch c.dt {
	case Byte:
		b[0] = uint8(clampRound(v, 0, math.MaxUint8))
	case Int16:
		c.order.PutUint16(b, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
	case Uint16:
		c.order.PutUint16(b, uint16(clampRound(v, 0, math.MaxUint16)))
	case Int32:
		c.order.PutUint32(b, uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
	case Uint32:
		c.order.PutUint32(b, uint32(clampRound(v, 0, math.MaxUint32)))
	case Float32:
		c.order.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		c.order.PutUint64(b, math.Float64bits(v))
	case Int64:
		c.order.PutUint64(b, uint64(int64(clampRound(v, math.MinInt64, math.MaxInt64))))
	case Uint64:
		c.order.PutUint64(b, uint64(clampRound(v, 0, math.MaxUint64)))
	}
}

func clampRound(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
