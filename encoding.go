package bucketdb

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"
)

func (k Kind) encodeValue(v any) ([]byte, error) {
	switch k {
	case MsgPack:
		var bb bytes.Buffer
		enc := msgpack.GetEncoder()
		enc.Reset(&bb)
		enc.SetSortMapKeys(true)
		err := enc.Encode(v)
		msgpack.PutEncoder(enc)
		if err != nil {
			return nil, &EncodeError{v, err}
		}
		return bb.Bytes(), nil
	case JSON:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, &EncodeError{v, err}
		}
		return raw, nil
	case Raw:
		data, ok := v.([]byte)
		if !ok {
			return nil, &EncodeError{v, errNotBytes}
		}
		return data, nil
	default:
		return nil, &EncodeError{v, errBadKind}
	}
}

func (k Kind) decodeValue(buf []byte, out any) error {
	switch k {
	case MsgPack:
		var r bytes.Reader
		r.Reset(buf)
		dec := msgpack.GetDecoder()
		dec.Reset(&r)
		err := dec.Decode(out)
		msgpack.PutDecoder(dec)
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode msgpack into %T", out)
		}
		return nil
	case JSON:
		err := json.Unmarshal(buf, out)
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode JSON into %T", out)
		}
		return nil
	case Raw:
		ptr, ok := out.(*[]byte)
		if !ok {
			return dataErrf(buf, 0, nil, "raw record requires a *[]byte, got %T", out)
		}
		*ptr = bytes.Clone(buf)
		return nil
	default:
		return dataErrf(buf, 0, nil, "unrecognized record kind %d", byte(k))
	}
}

var (
	errNotBytes = errors.New("raw record requires a []byte value")
	errBadKind  = errors.New("unsupported record kind")
)

var gzipWriterPool = &sync.Pool{
	New: func() any {
		return gzip.NewWriter(io.Discard)
	},
}

func gzipCompress(data []byte) ([]byte, error) {
	var bb bytes.Buffer
	zw := gzipWriterPool.Get().(*gzip.Writer)
	zw.Reset(&bb)
	_, err := zw.Write(data)
	if err == nil {
		err = zw.Close()
	}
	gzipWriterPool.Put(zw)
	if err != nil {
		return nil, err
	}
	return bb.Bytes(), nil
}

func gzipExpand(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(zr)
	if cerr := zr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
