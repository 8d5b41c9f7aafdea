package coordinator

import (
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype the session stream is encoded with.
const CodecName = "strapper-json"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec marshals messages as JSON so the protocol needs no generated code.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal message")
	}
	return b, nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "unable to unmarshal message")
	}
	return nil
}

func (codec) Name() string {
	return CodecName
}
