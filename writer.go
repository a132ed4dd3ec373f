package threatwatch

import (
	"encoding/json"
	"io"

	"github.com/m-mizutani/threatwatch/pkg/errors"
)

type ThreatWriter interface {
	Write(threat *Threat) (int, error)
}

type threatWriterImpl struct {
	w io.Writer
}

// Write outputs a threat as one JSON line
func (x *threatWriterImpl) Write(threat *Threat) (int, error) {
	raw, err := json.Marshal(threat)
	if err != nil {
		return -1, errors.Wrap(err, "Marshal threat")
	}

	n, err := x.w.Write(append(raw, '\n'))
	if err != nil {
		if err == io.EOF {
			return 0, err
		}
		return -1, errors.Wrap(err, "Writing threat").With("threat", threat)
	}
	return n, nil
}

func NewThreatWriter(w io.Writer) ThreatWriter {
	return &threatWriterImpl{
		w: w,
	}
}
