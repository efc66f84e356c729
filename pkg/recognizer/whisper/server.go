package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/recognizer"
	"github.com/MrWong99/voxscribe/pkg/types"
)

// requestTimeout bounds one inference or model-load request.
const requestTimeout = 30 * time.Second

// Breaker guards calls to the whisper server. *resilience.CircuitBreaker
// satisfies it.
type Breaker interface {
	Execute(fn func() error) error
}

type passthrough struct{}

func (passthrough) Execute(fn func() error) error { return fn() }

// ServerOption is a functional option for configuring a ServerEngine.
type ServerOption func(*ServerEngine)

// WithLanguage sets the language code sent to the server. Defaults to "en".
func WithLanguage(lang string) ServerOption {
	return func(e *ServerEngine) {
		if lang != "" {
			e.language = lang
		}
	}
}

// WithSegmentation tunes utterance detection.
func WithSegmentation(s Segmentation) ServerOption {
	return func(e *ServerEngine) { e.seg = s }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ServerOption {
	return func(e *ServerEngine) {
		if c != nil {
			e.httpClient = c
		}
	}
}

// WithBreaker routes every server call through b.
func WithBreaker(b Breaker) ServerOption {
	return func(e *ServerEngine) {
		if b != nil {
			e.breaker = b
		}
	}
}

// ServerEngine implements recognizer.Engine against a whisper-server
// instance. LoadModel asks the server to switch to the given model file;
// utterances are posted as WAV to /inference.
type ServerEngine struct {
	serverURL  string
	language   string
	seg        Segmentation
	httpClient *http.Client
	breaker    Breaker
}

// NewServer returns a ServerEngine for the server at serverURL (e.g.
// "http://localhost:8080").
func NewServer(serverURL string, opts ...ServerOption) (*ServerEngine, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	e := &ServerEngine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: requestTimeout},
		breaker:    passthrough{},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Name implements recognizer.Engine.
func (e *ServerEngine) Name() string { return "whisper-server" }

// Ping checks that the server answers HTTP requests.
func (e *ServerEngine) Ping(ctx context.Context) error {
	return e.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+"/", nil)
		if err != nil {
			return fmt.Errorf("whisper: create request: %w", err)
		}
		resp, err := e.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("whisper: ping: %w", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("whisper: ping: server returned HTTP %d", resp.StatusCode)
		}
		return nil
	})
}

// LoadModel asks the server to load the model at path, a path on the
// server's file system. An empty path keeps the model the server started
// with.
func (e *ServerEngine) LoadModel(ctx context.Context, path string) (recognizer.Model, error) {
	if path != "" {
		err := e.breaker.Execute(func() error {
			_, err := e.post(ctx, "/load", func(mw *multipart.Writer) error {
				return mw.WriteField("model", path)
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("whisper: load model %q: %w", path, err)
		}
	}
	return &serverModel{engine: e, path: path}, nil
}

type serverModel struct {
	engine *ServerEngine
	path   string
	closed bool
}

// NewRecognizer implements recognizer.Model.
func (m *serverModel) NewRecognizer(sampleRate int) (recognizer.Recognizer, error) {
	if m.closed {
		return nil, recognizer.ErrClosed
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("whisper: invalid sample rate %d", sampleRate)
	}
	return newSession(sampleRate, m.engine.seg, m.engine.infer, nil), nil
}

// Close implements recognizer.Model. The server keeps its model loaded.
func (m *serverModel) Close() error {
	m.closed = true
	return nil
}

// infer posts one utterance and parses the verbose_json response.
func (e *ServerEngine) infer(pcm []byte, offset float64) ([]types.Word, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var body []byte
	err := e.breaker.Execute(func() error {
		var err error
		body, err = e.post(ctx, "/inference", func(mw *multipart.Writer) error {
			fw, err := mw.CreateFormFile("file", "audio.wav")
			if err != nil {
				return err
			}
			if _, err := fw.Write(audio.EncodeWAV(pcm, whisperSampleRate)); err != nil {
				return err
			}
			if err := mw.WriteField("response_format", "verbose_json"); err != nil {
				return err
			}
			return mw.WriteField("language", e.language)
		})
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return parseVerbose(body, offset)
}

// post sends a multipart form built by fill to path and returns the body of
// a 200 response.
func (e *ServerEngine) post(ctx context.Context, path string, fill func(*multipart.Writer) error) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := fill(mw); err != nil {
		return nil, fmt.Errorf("whisper: build form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// parseVerbose extracts word timings from a verbose_json response. Servers
// that do not report words yield the plain text.
func parseVerbose(body []byte, offset float64) ([]types.Word, string, error) {
	if !gjson.ValidBytes(body) {
		return nil, "", errors.New("whisper: invalid JSON response")
	}
	res := gjson.ParseBytes(body)
	if msg := res.Get("error"); msg.Exists() {
		return nil, "", fmt.Errorf("whisper: server error: %s", msg.String())
	}

	var words []types.Word
	res.Get("segments.#.words|@flatten").ForEach(func(_, w gjson.Result) bool {
		text := strings.TrimSpace(w.Get("word").String())
		if text == "" || strings.HasPrefix(text, "[_") {
			return true
		}
		words = append(words, types.Word{
			Word:       text,
			Start:      offset + w.Get("start").Float(),
			End:        offset + w.Get("end").Float(),
			Confidence: w.Get("probability").Float(),
		})
		return true
	})
	return words, strings.TrimSpace(res.Get("text").String()), nil
}

var (
	_ recognizer.Engine = (*ServerEngine)(nil)
	_ recognizer.Model  = (*serverModel)(nil)
)
