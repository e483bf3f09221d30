// Package framing implements pack/unpack of the four typed message
// classes (vars-only, vars+active-set, response, pair) plus receive-buffer
// length estimation. Encoding is little-endian and length-prefixed,
// shared by the restart journal's wire format so the same routines
// serialize journal records (pkg/journal) and transport messages
// (pkg/transport) without duplicating the codec.
package framing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dakota-project/evalsched/pkg/evalcore"
)

// Class identifies one of the four message classes.
type Class int

const (
	ClassVarsOnly Class = iota
	ClassVarsActiveSet
	ClassResponse
	ClassPair
)

// TerminationTag is the reserved tag value signalling a zero-length
// termination message; all valid eval_ids are >= 1.
const TerminationTag int32 = 0

// PackVars packs a Variables value into a length-prefixed typed buffer.
func PackVars(v evalcore.Variables) []byte {
	var b bytes.Buffer
	writeInt32(&b, int32(len(v.Continuous)))
	for _, c := range v.Continuous {
		writeFloat64(&b, c)
	}
	writeInt32(&b, int32(len(v.Discrete)))
	for _, d := range v.Discrete {
		writeInt64(&b, d)
	}
	writeInt32(&b, int32(len(v.Labels)))
	for _, l := range v.Labels {
		writeString(&b, l)
	}
	return framed(b.Bytes())
}

// UnpackVars is the inverse of PackVars.
func UnpackVars(buf []byte) (evalcore.Variables, error) {
	body, err := unframe(buf)
	if err != nil {
		return evalcore.Variables{}, err
	}
	r := bytes.NewReader(body)
	nc, err := readInt32(r)
	if err != nil {
		return evalcore.Variables{}, err
	}
	cont := make([]float64, nc)
	for i := range cont {
		if cont[i], err = readFloat64(r); err != nil {
			return evalcore.Variables{}, err
		}
	}
	nd, err := readInt32(r)
	if err != nil {
		return evalcore.Variables{}, err
	}
	disc := make([]int64, nd)
	for i := range disc {
		if disc[i], err = readInt64(r); err != nil {
			return evalcore.Variables{}, err
		}
	}
	nl, err := readInt32(r)
	if err != nil {
		return evalcore.Variables{}, err
	}
	labels := make([]string, nl)
	for i := range labels {
		if labels[i], err = readString(r); err != nil {
			return evalcore.Variables{}, err
		}
	}
	return evalcore.NewVariables(cont, disc, labels), nil
}

// PackActiveSet packs an ActiveSet into a length-prefixed typed buffer.
func PackActiveSet(s evalcore.ActiveSet) []byte {
	var b bytes.Buffer
	writeInt32(&b, int32(len(s.Codes)))
	for _, c := range s.Codes {
		b.WriteByte(c)
	}
	writeInt32(&b, int32(len(s.DVV)))
	for _, d := range s.DVV {
		writeInt32(&b, int32(d))
	}
	return framed(b.Bytes())
}

// UnpackActiveSet is the inverse of PackActiveSet.
func UnpackActiveSet(buf []byte) (evalcore.ActiveSet, error) {
	body, err := unframe(buf)
	if err != nil {
		return evalcore.ActiveSet{}, err
	}
	r := bytes.NewReader(body)
	nc, err := readInt32(r)
	if err != nil {
		return evalcore.ActiveSet{}, err
	}
	codes := make([]uint8, nc)
	for i := range codes {
		b, err := r.ReadByte()
		if err != nil {
			return evalcore.ActiveSet{}, err
		}
		codes[i] = b
	}
	nd, err := readInt32(r)
	if err != nil {
		return evalcore.ActiveSet{}, err
	}
	dvv := make([]int, nd)
	for i := range dvv {
		v, err := readInt32(r)
		if err != nil {
			return evalcore.ActiveSet{}, err
		}
		dvv[i] = int(v)
	}
	return evalcore.NewActiveSet(codes, dvv)
}

// PackVarsActiveSet packs the combined vars+active-set message class used
// to dispatch a request to an evaluation server.
func PackVarsActiveSet(v evalcore.Variables, s evalcore.ActiveSet, evalID evalcore.EvalID) []byte {
	var b bytes.Buffer
	writeInt32(&b, int32(evalID))
	vbuf := PackVars(v)
	sbuf := PackActiveSet(s)
	writeInt32(&b, int32(len(vbuf)))
	b.Write(vbuf)
	writeInt32(&b, int32(len(sbuf)))
	b.Write(sbuf)
	return framed(b.Bytes())
}

// UnpackVarsActiveSet is the inverse of PackVarsActiveSet.
func UnpackVarsActiveSet(buf []byte) (evalcore.EvalID, evalcore.Variables, evalcore.ActiveSet, error) {
	body, err := unframe(buf)
	if err != nil {
		return 0, evalcore.Variables{}, evalcore.ActiveSet{}, err
	}
	r := bytes.NewReader(body)
	id, err := readInt32(r)
	if err != nil {
		return 0, evalcore.Variables{}, evalcore.ActiveSet{}, err
	}
	vlen, err := readInt32(r)
	if err != nil {
		return 0, evalcore.Variables{}, evalcore.ActiveSet{}, err
	}
	vbuf := make([]byte, vlen)
	if _, err := r.Read(vbuf); err != nil {
		return 0, evalcore.Variables{}, evalcore.ActiveSet{}, err
	}
	v, err := UnpackVars(vbuf)
	if err != nil {
		return 0, evalcore.Variables{}, evalcore.ActiveSet{}, err
	}
	slen, err := readInt32(r)
	if err != nil {
		return 0, evalcore.Variables{}, evalcore.ActiveSet{}, err
	}
	sbuf := make([]byte, slen)
	if _, err := r.Read(sbuf); err != nil {
		return 0, evalcore.Variables{}, evalcore.ActiveSet{}, err
	}
	s, err := UnpackActiveSet(sbuf)
	if err != nil {
		return 0, evalcore.Variables{}, evalcore.ActiveSet{}, err
	}
	return evalcore.EvalID(id), v, s, nil
}

// PackResponse packs a Response into a length-prefixed typed buffer.
func PackResponse(r *evalcore.Response) []byte {
	var b bytes.Buffer
	n := r.NumResponses()
	writeInt32(&b, int32(n))
	for i := 0; i < n; i++ {
		writeFloat64(&b, r.Value(i))
		g := r.Gradient(i)
		writeInt32(&b, int32(len(g)))
		for _, x := range g {
			writeFloat64(&b, x)
		}
		h := r.Hessian(i)
		writeInt32(&b, int32(len(h)))
		for _, row := range h {
			writeInt32(&b, int32(len(row)))
			for _, x := range row {
				writeFloat64(&b, x)
			}
		}
	}
	return framed(b.Bytes())
}

// UnpackResponse is the inverse of PackResponse; the ActiveSet used to
// size the result is supplied by the caller (it travels alongside the
// request, not the response, in every C7 protocol).
func UnpackResponse(buf []byte, set evalcore.ActiveSet) (*evalcore.Response, error) {
	body, err := unframe(buf)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(body)
	n, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	resp := evalcore.NewOwningResponse(set, int(n))
	for i := 0; i < int(n); i++ {
		val, err := readFloat64(r)
		if err != nil {
			return nil, err
		}
		_ = resp.SetValue(i, val)
		glen, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		g := make([]float64, glen)
		for j := range g {
			if g[j], err = readFloat64(r); err != nil {
				return nil, err
			}
		}
		if glen > 0 {
			_ = resp.SetGradient(i, g)
		}
		hlen, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		h := make([][]float64, hlen)
		for j := range h {
			rowlen, err := readInt32(r)
			if err != nil {
				return nil, err
			}
			row := make([]float64, rowlen)
			for k := range row {
				if row[k], err = readFloat64(r); err != nil {
					return nil, err
				}
			}
			h[j] = row
		}
		if hlen > 0 {
			_ = resp.SetHessian(i, h)
		}
	}
	return resp, nil
}

// PackPair packs a full Pair (eval_id, interface_id, V, S, R) in the order
// used by the restart-journal record format.
func PackPair(p evalcore.Pair) []byte {
	var b bytes.Buffer
	writeInt32(&b, int32(p.EvalID))
	writeString(&b, p.InterfaceID)
	vbuf := PackVars(p.Vars)
	writeInt32(&b, int32(len(vbuf)))
	b.Write(vbuf)
	sbuf := PackActiveSet(p.Set)
	writeInt32(&b, int32(len(sbuf)))
	b.Write(sbuf)
	rbuf := PackResponse(p.Resp)
	writeInt32(&b, int32(len(rbuf)))
	b.Write(rbuf)
	return framed(b.Bytes())
}

// UnpackPair is the inverse of PackPair.
func UnpackPair(buf []byte) (evalcore.Pair, error) {
	body, err := unframe(buf)
	if err != nil {
		return evalcore.Pair{}, err
	}
	r := bytes.NewReader(body)
	id, err := readInt32(r)
	if err != nil {
		return evalcore.Pair{}, err
	}
	iface, err := readString(r)
	if err != nil {
		return evalcore.Pair{}, err
	}
	vlen, err := readInt32(r)
	if err != nil {
		return evalcore.Pair{}, err
	}
	vbuf := make([]byte, vlen)
	if _, err := r.Read(vbuf); err != nil {
		return evalcore.Pair{}, err
	}
	v, err := UnpackVars(vbuf)
	if err != nil {
		return evalcore.Pair{}, err
	}
	slen, err := readInt32(r)
	if err != nil {
		return evalcore.Pair{}, err
	}
	sbuf := make([]byte, slen)
	if _, err := r.Read(sbuf); err != nil {
		return evalcore.Pair{}, err
	}
	s, err := UnpackActiveSet(sbuf)
	if err != nil {
		return evalcore.Pair{}, err
	}
	rlen, err := readInt32(r)
	if err != nil {
		return evalcore.Pair{}, err
	}
	rbuf := make([]byte, rlen)
	if _, err := r.Read(rbuf); err != nil {
		return evalcore.Pair{}, err
	}
	resp, err := UnpackResponse(rbuf, s)
	if err != nil {
		return evalcore.Pair{}, err
	}
	return evalcore.Pair{EvalID: evalcore.EvalID(id), InterfaceID: iface, Vars: v, Set: s, Resp: resp}, nil
}

// MaxLengths estimates the upper bound, in packed bytes, of each of the
// four message classes for an interface with the given variable/response
// arities and derivative-variable count. It is computed once per iterator
// run and re-computed only if the active-set dimensionality changes, which
// is why it is a pure function of shape rather than of any live Pair.
type Shape struct {
	NumContinuous int
	NumDiscrete   int
	NumLabels     int
	NumResponses  int
	NumDVV        int
}

// MaxLengths returns the four message-length bounds in the order
// [vars-only, vars+active-set, response, pair], the message_lengths[4]
// tuple exchanged across the iterator boundary.
func MaxLengths(shape Shape) [4]int32 {
	const (
		i32 = 4
		f64 = 8
	)
	varsLen := i32 + shape.NumContinuous*f64 + i32 + shape.NumDiscrete*8 + i32 + shape.NumLabels*64
	activeSetLen := i32 + shape.NumResponses + i32 + shape.NumDVV*i32
	respLen := i32 + shape.NumResponses*(f64+i32+shape.NumDVV*f64+i32+shape.NumDVV*(i32+shape.NumDVV*f64))
	pairLen := i32 + 64 /* interface id upper bound */ + varsLen + activeSetLen + respLen
	return [4]int32{
		int32(varsLen) + 2*i32,
		int32(varsLen+activeSetLen) + 6*i32,
		int32(respLen) + 2*i32,
		int32(pairLen) + 8*i32,
	}
}

// --- wire primitives ---

func framed(body []byte) []byte {
	var b bytes.Buffer
	writeInt32(&b, int32(len(body)))
	b.Write(body)
	return b.Bytes()
}

func unframe(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("framing: buffer too short for length prefix")
	}
	n := int32(binary.LittleEndian.Uint32(buf[:4]))
	if n < 0 || int(4+n) > len(buf) {
		return nil, fmt.Errorf("framing: declared length %d exceeds buffer size %d", n, len(buf))
	}
	return buf[4 : 4+n], nil
}

func writeInt32(b *bytes.Buffer, v int32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	b.Write(tmp[:])
}

func writeInt64(b *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	b.Write(tmp[:])
}

func writeFloat64(b *bytes.Buffer, v float64) {
	writeInt64(b, int64(math.Float64bits(v)))
}

func writeString(b *bytes.Buffer, s string) {
	writeInt32(b, int32(len(s)))
	b.WriteString(s)
}

func readInt32(r *bytes.Reader) (int32, error) {
	var tmp [4]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(tmp[:])), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var tmp [8]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(tmp[:])), nil
}

func readFloat64(r *bytes.Reader) (float64, error) {
	bits, err := readInt64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(bits)), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readInt32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}
