package ml

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/setv/ultrascan/server/models"
	"go.uber.org/zap"
)

var eventDelimiter = []byte("\n\n")

const dataPrefix = "data:"

// StreamDecoder splits a classifier response body into "data: <json>\n\n"
// events. Bytes are buffered until a delimiter completes a segment; the
// trailing partial segment is carried to the next Write and dropped when
// the stream ends.
type StreamDecoder struct {
	buf    []byte
	logger *zap.Logger

	Skipped int
}

func NewStreamDecoder(logger *zap.Logger) *StreamDecoder {
	return &StreamDecoder{logger: logger}
}

// Write appends chunk and returns the results of every event it completed,
// in arrival order.
func (d *StreamDecoder) Write(chunk []byte) []models.ClassifierResult {
	d.buf = append(d.buf, chunk...)

	var results []models.ClassifierResult
	for {
		idx := bytes.Index(d.buf, eventDelimiter)
		if idx < 0 {
			break
		}
		segment := d.buf[:idx]
		d.buf = d.buf[idx+len(eventDelimiter):]

		if result, ok := d.parse(segment); ok {
			results = append(results, result)
		}
	}

	// keep the partial segment in a fresh slice so the consumed prefix can
	// be collected
	if len(d.buf) == 0 {
		d.buf = nil
	} else {
		d.buf = append([]byte(nil), d.buf...)
	}

	return results
}

// Pending returns the number of buffered bytes not yet forming an event.
func (d *StreamDecoder) Pending() int {
	return len(d.buf)
}

// Close discards any incomplete trailing segment.
func (d *StreamDecoder) Close() {
	if n := d.Pending(); n > 0 {
		d.logger.Debug("Discarding incomplete classifier event", zap.Int("bytes", n))
	}
	d.buf = nil
}

func (d *StreamDecoder) parse(segment []byte) (models.ClassifierResult, bool) {
	message := bytes.TrimSpace(segment)
	if !bytes.HasPrefix(message, []byte(dataPrefix)) {
		if len(message) > 0 {
			d.skip("missing data prefix", nil)
		}
		return models.ClassifierResult{}, false
	}

	payload := bytes.TrimSpace(message[len(dataPrefix):])

	var event models.ClassifierEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		d.skip("malformed event", err)
		return models.ClassifierResult{}, false
	}

	if !event.Success {
		d.skip("unsuccessful event", nil)
		return models.ClassifierResult{}, false
	}

	if event.Result == nil || event.Result.ClassNames == nil {
		d.skip("event without class names", nil)
		return models.ClassifierResult{}, false
	}

	return *event.Result, true
}

func (d *StreamDecoder) skip(reason string, err error) {
	d.Skipped++
	d.logger.Debug("Skipping classifier event", zap.String("reason", reason), zap.Error(err))
}

// DecodeStream reads r to completion, invoking fn for every valid event.
// It returns the number of skipped events.
func DecodeStream(r io.Reader, logger *zap.Logger, fn func(models.ClassifierResult)) (int, error) {
	decoder := NewStreamDecoder(logger)
	defer decoder.Close()

	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, result := range decoder.Write(chunk[:n]) {
				fn(result)
			}
		}
		if errors.Is(err, io.EOF) {
			return decoder.Skipped, nil
		}
		if err != nil {
			return decoder.Skipped, err
		}
	}
}
