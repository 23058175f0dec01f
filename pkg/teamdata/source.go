package teamdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// ErrDocumentNotFound is returned when a source does not hold a document.
var ErrDocumentNotFound = errors.New("document not found")

// Source serves the raw JSON documents of the team data set.
type Source interface {
	// Fetch returns the content of the named document.
	Fetch(ctx context.Context, document string) ([]byte, error)

	// String describes the source for logs.
	String() string
}

// RemoteSource reads documents from the static team API. Network errors,
// timeouts and 5xx responses are transient; 429 is throttled.
type RemoteSource struct {
	baseURL string
	client  *http.Client
}

// NewRemoteSource creates a source reading <baseURL>/<document>.
func NewRemoteSource(baseURL string, timeout time.Duration) *RemoteSource {
	return &RemoteSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch implements Source.
func (s *RemoteSource) Fetch(ctx context.Context, document string) ([]byte, error) {
	url := s.baseURL + "/" + document
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "sync-team")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, engine.NewPermanentError("fetch cancelled", err).WithCode(engine.ErrCodeCancelled)
		}
		return nil, engine.NewTransientError("failed to fetch "+url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", url, ErrDocumentNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		var after time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			after = time.Duration(secs) * time.Second
		}
		return nil, engine.NewThrottledError("failed to fetch "+url, errors.New(resp.Status)).
			WithCode(engine.ErrCodeRateLimited).
			WithRetryAfter(after)
	case resp.StatusCode >= 500:
		return nil, engine.NewTransientError("failed to fetch "+url, errors.New(resp.Status))
	default:
		return nil, fmt.Errorf("failed to fetch %s: unexpected status %s", url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.NewTransientError("failed to read "+url, err)
	}
	return data, nil
}

func (s *RemoteSource) String() string {
	return "remote " + s.baseURL
}

// LocalSource reads documents from a directory, e.g. a checkout of the
// team repository's generated output.
type LocalSource struct {
	dir string
}

// NewLocalSource creates a source reading <dir>/<document>.
func NewLocalSource(dir string) *LocalSource {
	return &LocalSource{dir: dir}
}

// Fetch implements Source.
func (s *LocalSource) Fetch(_ context.Context, document string) ([]byte, error) {
	path := filepath.Join(s.dir, document)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrDocumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Dir returns the directory the source reads.
func (s *LocalSource) Dir() string {
	return s.dir
}

func (s *LocalSource) String() string {
	return "directory " + s.dir
}

// BundleSource reads every document from one prebuilt JSON file whose
// top-level keys are document names without the ".json" suffix.
type BundleSource struct {
	path string

	once sync.Once
	docs map[string]json.RawMessage
	err  error
}

// NewBundleSource creates a source reading the bundle at path.
func NewBundleSource(path string) *BundleSource {
	return &BundleSource{path: path}
}

// Fetch implements Source.
func (s *BundleSource) Fetch(_ context.Context, document string) ([]byte, error) {
	s.once.Do(func() {
		data, err := os.ReadFile(s.path)
		if err != nil {
			s.err = fmt.Errorf("failed to read bundle %s: %w", s.path, err)
			return
		}
		if err := json.Unmarshal(data, &s.docs); err != nil {
			s.err = fmt.Errorf("failed to parse bundle %s: %w", s.path, err)
		}
	})
	if s.err != nil {
		return nil, s.err
	}

	doc, ok := s.docs[strings.TrimSuffix(document, ".json")]
	if !ok {
		return nil, fmt.Errorf("%s in bundle %s: %w", document, s.path, ErrDocumentNotFound)
	}
	return doc, nil
}

func (s *BundleSource) String() string {
	return "bundle " + s.path
}

// MemorySource serves documents held in memory.
type MemorySource map[string][]byte

// NewMemorySource marshals each value as the named document.
func NewMemorySource(docs map[string]any) (MemorySource, error) {
	s := make(MemorySource, len(docs))
	for name, v := range docs {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", name, err)
		}
		s[name] = data
	}
	return s, nil
}

// Fetch implements Source.
func (s MemorySource) Fetch(_ context.Context, document string) ([]byte, error) {
	data, ok := s[document]
	if !ok {
		return nil, fmt.Errorf("%s: %w", document, ErrDocumentNotFound)
	}
	return data, nil
}

func (s MemorySource) String() string {
	return "memory"
}
