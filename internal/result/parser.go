// Package result turns raw recognizer output into transcript text.
//
// Recognizers report results as JSON records. Full and final results look like
//
//	{"result": [{"word": "hello", "start": 0.12, "end": 0.5, "conf": 1}], "text": "hello"}
//
// and partial results like
//
//	{"partial": "hel"}
//
// Full and final results become one "word start end conf" line per word; when a
// record has no word list its "text" field is used as-is. Partial results only
// ever use the "partial" field.
package result

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/voxscribe/pkg/types"
)

// ErrMalformed is returned for records that are not a JSON object or whose
// word list has the wrong shape.
var ErrMalformed = errors.New("result: malformed recognizer output")

// Parsed is the outcome of parsing one record.
type Parsed struct {
	// Text is the transcript text; empty when the record carried nothing.
	Text string
	// TimestampSeconds is the first word's start time, or
	// [types.UnknownTimestamp].
	TimestampSeconds float64
	// Words holds the word list of full and final records.
	Words []types.Word
}

// Empty reports whether the record produced no text. Empty results are
// neither written nor published.
func (p Parsed) Empty() bool { return p.Text == "" }

// Event builds the event published for p.
func (p Parsed) Event(kind types.ResultKind, source types.SourceKind, progress *float64) types.TranscriptEvent {
	return types.TranscriptEvent{
		Kind:             kind,
		Source:           source,
		Progress:         progress,
		TimestampSeconds: p.TimestampSeconds,
		Text:             p.Text,
	}
}

// Full parses an endpoint result.
func Full(raw string) (Parsed, error) {
	return parseWords(raw)
}

// Final parses the flush result returned when a transcript ends.
func Final(raw string) (Parsed, error) {
	return parseWords(raw)
}

// Partial parses a provisional result. Word timings are never reported for
// partials, so the timestamp is always unknown.
func Partial(raw string) (Parsed, error) {
	rec, err := object(raw)
	if err != nil {
		return Parsed{}, err
	}
	return Parsed{
		Text:             strings.TrimSpace(rec.Get("partial").String()),
		TimestampSeconds: types.UnknownTimestamp,
	}, nil
}

func object(raw string) (gjson.Result, error) {
	if !gjson.Valid(raw) {
		return gjson.Result{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	rec := gjson.Parse(raw)
	if !rec.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: expected object, got %s", ErrMalformed, rec.Type)
	}
	return rec, nil
}

func parseWords(raw string) (Parsed, error) {
	rec, err := object(raw)
	if err != nil {
		return Parsed{}, err
	}
	p := Parsed{TimestampSeconds: types.UnknownTimestamp}

	list := rec.Get("result")
	if list.Exists() && !list.IsArray() {
		return Parsed{}, fmt.Errorf("%w: result is %s, want array", ErrMalformed, list.Type)
	}
	var bad error
	list.ForEach(func(_, w gjson.Result) bool {
		word := w.Get("word")
		if !w.IsObject() || word.Type != gjson.String {
			bad = fmt.Errorf("%w: word entry %s", ErrMalformed, w.Raw)
			return false
		}
		p.Words = append(p.Words, types.Word{
			Word:       word.String(),
			Start:      w.Get("start").Float(),
			End:        w.Get("end").Float(),
			Confidence: w.Get("conf").Float(),
		})
		return true
	})
	if bad != nil {
		return Parsed{}, bad
	}

	if len(p.Words) == 0 {
		p.Text = strings.TrimSpace(rec.Get("text").String())
		return p, nil
	}
	p.TimestampSeconds = p.Words[0].Start
	p.Text = FormatWords(p.Words)
	return p, nil
}

// FormatWords renders words as newline-separated "word start end conf" lines.
func FormatWords(words []types.Word) string {
	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(w.Word)
		b.WriteByte(' ')
		b.WriteString(formatFloat(w.Start))
		b.WriteByte(' ')
		b.WriteString(formatFloat(w.End))
		b.WriteByte(' ')
		b.WriteString(formatFloat(w.Confidence))
	}
	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
