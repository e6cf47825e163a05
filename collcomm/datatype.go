package collcomm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// A Datatype is the element type of a reduced buffer.
// Elements are stored little-endian.
type Datatype int

const (
	Float64 Datatype = iota
	Float32
	Float16
	Int64
	Int32
	Uint8
)

// Valid checks if d is a known Datatype.
func (d Datatype) Valid() bool {
	return d >= Float64 && d <= Uint8
}

// Size returns the number of bytes in one element.
func (d Datatype) Size() int {
	switch d {
	case Float64, Int64:
		return 8
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Uint8:
		return 1
	}
	panic(fmt.Sprintf("unknown datatype: %d", int(d)))
}

func (d Datatype) String() string {
	switch d {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int64:
		return "int64"
	case Int32:
		return "int32"
	case Uint8:
		return "uint8"
	}
	return fmt.Sprintf("Datatype(%d)", int(d))
}

// An Op is an element-wise reduction operator.
//
// Every Op is associative and commutative (up to
// floating-point rounding), since the order in which
// contributions are combined differs between nodes.
type Op int

const (
	OpSum Op = iota
	OpProd
	OpMax
	OpMin
)

// Valid checks if o is a known Op.
func (o Op) Valid() bool {
	return o >= OpSum && o <= OpMin
}

func (o Op) String() string {
	switch o {
	case OpSum:
		return "sum"
	case OpProd:
		return "prod"
	case OpMax:
		return "max"
	case OpMin:
		return "min"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Encode converts a vector into the byte representation
// of a Datatype, rounding or truncating as needed.
func Encode(d Datatype, vec []float64) []byte {
	size := d.Size()
	res := make([]byte, len(vec)*size)
	for i, x := range vec {
		buf := res[i*size:]
		switch d {
		case Float64:
			binary.LittleEndian.PutUint64(buf, math.Float64bits(x))
		case Float32:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(x)))
		case Float16:
			binary.LittleEndian.PutUint16(buf, float16.Fromfloat32(float32(x)).Bits())
		case Int64:
			binary.LittleEndian.PutUint64(buf, uint64(int64(x)))
		case Int32:
			binary.LittleEndian.PutUint32(buf, uint32(int32(x)))
		case Uint8:
			buf[0] = uint8(x)
		}
	}
	return res
}

// Decode is the inverse of Encode.
func Decode(d Datatype, data []byte) []float64 {
	size := d.Size()
	if len(data)%size != 0 {
		panic("data is not a whole number of elements")
	}
	res := make([]float64, len(data)/size)
	for i := range res {
		buf := data[i*size:]
		switch d {
		case Float64:
			res[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
		case Float32:
			res[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
		case Float16:
			res[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(buf)).Float32())
		case Int64:
			res[i] = float64(int64(binary.LittleEndian.Uint64(buf)))
		case Int32:
			res[i] = float64(int32(binary.LittleEndian.Uint32(buf)))
		case Uint8:
			res[i] = float64(buf[0])
		}
	}
	return res
}

// ParseDatatype finds the Datatype with the given name,
// as returned by Datatype.String.
func ParseDatatype(name string) (Datatype, error) {
	for d := Float64; d <= Uint8; d++ {
		if d.String() == name {
			return d, nil
		}
	}
	return 0, errors.Errorf("unknown datatype: %q", name)
}
