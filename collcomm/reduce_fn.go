package collcomm

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// FlopTime is the amount of virtual time it takes to
// perform a single floating-point operation.
const FlopTime = 1e-9

type number interface {
	constraints.Integer | constraints.Float
}

// Reduce runs a reduction synchronously.
//
// Executors call this once a reduction's simulated
// computation time has elapsed.
func Reduce(args ReduceArgs) error {
	if err := args.Validate(); err != nil {
		return err
	}
	switch args.Datatype {
	case Float64:
		reduceElements(args, func(b []byte) float64 {
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		}, func(b []byte, x float64) {
			binary.LittleEndian.PutUint64(b, math.Float64bits(x))
		})
	case Float32:
		reduceElements(args, func(b []byte) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(b))
		}, func(b []byte, x float32) {
			binary.LittleEndian.PutUint32(b, math.Float32bits(x))
		})
	case Float16:
		// Accumulate in float32 and round once per element.
		reduceElements(args, func(b []byte) float32 {
			return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
		}, func(b []byte, x float32) {
			binary.LittleEndian.PutUint16(b, float16.Fromfloat32(x).Bits())
		})
	case Int64:
		reduceElements(args, func(b []byte) int64 {
			return int64(binary.LittleEndian.Uint64(b))
		}, func(b []byte, x int64) {
			binary.LittleEndian.PutUint64(b, uint64(x))
		})
	case Int32:
		reduceElements(args, func(b []byte) int32 {
			return int32(binary.LittleEndian.Uint32(b))
		}, func(b []byte, x int32) {
			binary.LittleEndian.PutUint32(b, uint32(x))
		})
	case Uint8:
		reduceElements(args, func(b []byte) uint8 {
			return b[0]
		}, func(b []byte, x uint8) {
			b[0] = x
		})
	}
	return nil
}

func reduceElements[T number](args ReduceArgs, load func([]byte) T, store func([]byte, T)) {
	size := args.Datatype.Size()
	for i := 0; i < args.Count; i++ {
		off := i * size
		a := load(args.SrcA[off:])
		b := load(args.SrcB[off:])
		store(args.Dst[off:], combine(args.Op, a, b))
	}
}

func combine[T number](op Op, a, b T) T {
	switch op {
	case OpSum:
		return a + b
	case OpProd:
		return a * b
	case OpMax:
		if b > a {
			return b
		}
		return a
	case OpMin:
		if b < a {
			return b
		}
		return a
	}
	panic("unknown reduction op")
}
