// Package archive writes finished call transcripts to Google Docs.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/docs/v1"
	"google.golang.org/api/option"

	"github.com/teslashibe/go-callbridge/pkg/analysis"
	"github.com/teslashibe/go-callbridge/pkg/call"
)

var (
	// ErrNotAuthenticated is returned when no Google token is available.
	ErrNotAuthenticated = errors.New("archive: not connected to Google")

	// ErrStateMismatch is returned when the OAuth callback state is unknown.
	ErrStateMismatch = errors.New("archive: oauth state mismatch")
)

// Config configures the archive.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TokenPath    string
}

// Archive creates one document per finished call.
type Archive struct {
	oauth     *oauth2.Config
	tokenPath string
	endpoint  string
	logger    *slog.Logger

	mu      sync.RWMutex
	token   *oauth2.Token
	service *docs.Service
	states  map[string]time.Time
}

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Archive) { a.logger = l }
}

// WithEndpoint overrides the Docs API endpoint.
func WithEndpoint(u string) Option {
	return func(a *Archive) { a.endpoint = u }
}

// WithToken starts the archive with an existing token.
func WithToken(tok *oauth2.Token) Option {
	return func(a *Archive) { a.token = tok }
}

// New creates an archive and loads a stored token if one exists.
func New(cfg Config, opts ...Option) (*Archive, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("archive: Google client id and secret are required")
	}
	if cfg.TokenPath == "" {
		home, _ := os.UserHomeDir()
		cfg.TokenPath = filepath.Join(home, ".callbridge", "google_token.json")
	}

	a := &Archive{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{docs.DocumentsScope, "https://www.googleapis.com/auth/drive.file"},
			Endpoint:     google.Endpoint,
		},
		tokenPath: cfg.TokenPath,
		logger:    slog.Default(),
		states:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "archive")

	if a.token == nil {
		if tok, err := readToken(a.tokenPath); err == nil {
			a.token = tok
		}
	}
	if a.token != nil {
		if err := a.initService(context.Background()); err != nil {
			a.logger.Warn("stored token unusable", "error", err)
			a.token = nil
		}
	}
	return a, nil
}

// Authenticated reports whether documents can be written.
func (a *Archive) Authenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.service != nil && a.token != nil
}

// AuthURL returns a consent URL bound to a fresh state value.
func (a *Archive) AuthURL() string {
	state := uuid.NewString()
	a.mu.Lock()
	for s, at := range a.states {
		if time.Since(at) > 10*time.Minute {
			delete(a.states, s)
		}
	}
	a.states[state] = time.Now()
	a.mu.Unlock()
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange completes the OAuth flow and stores the token.
func (a *Archive) Exchange(ctx context.Context, state, code string) error {
	a.mu.Lock()
	_, ok := a.states[state]
	delete(a.states, state)
	a.mu.Unlock()
	if !ok {
		return ErrStateMismatch
	}

	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("archive: exchange code: %w", err)
	}

	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()

	if err := writeToken(a.tokenPath, tok); err != nil {
		a.logger.Warn("failed to save token", "path", a.tokenPath, "error", err)
	}
	return a.initService(context.Background())
}

// Save creates a document for rec and returns its id.
func (a *Archive) Save(ctx context.Context, rec call.Record, res *analysis.Result) (string, error) {
	a.mu.RLock()
	svc := a.service
	a.mu.RUnlock()
	if svc == nil {
		return "", ErrNotAuthenticated
	}

	created, err := svc.Documents.Create(&docs.Document{Title: Title(rec)}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("archive: create document: %w", err)
	}

	_, err = svc.Documents.BatchUpdate(created.DocumentId, &docs.BatchUpdateDocumentRequest{
		Requests: []*docs.Request{{
			InsertText: &docs.InsertTextRequest{
				Location: &docs.Location{Index: 1},
				Text:     Format(rec, res),
			},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return created.DocumentId, fmt.Errorf("archive: write document: %w", err)
	}

	a.logger.Info("call archived", "call_sid", rec.CallID, "doc_id", created.DocumentId)
	return created.DocumentId, nil
}

// DocURL returns the edit URL of a document.
func DocURL(docID string) string {
	return "https://docs.google.com/document/d/" + docID + "/edit"
}

// Title names the document for rec.
func Title(rec call.Record) string {
	who := rec.TargetName
	if who == "" {
		who = rec.To
	}
	if who == "" {
		who = "unknown"
	}
	ts := rec.StartedAt
	if ts.IsZero() {
		ts = rec.EndedAt
	}
	return fmt.Sprintf("Call with %s (%s)", who, ts.UTC().Format("2006-01-02 15:04 MST"))
}

// Format renders rec and its analysis as plain document text.
func Format(rec call.Record, res *analysis.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", Title(rec))
	fmt.Fprintf(&b, "Call SID: %s\n", rec.CallID)
	fmt.Fprintf(&b, "Stream SID: %s\n", rec.StreamID)
	if rec.OutboundID != "" {
		fmt.Fprintf(&b, "Outbound ID: %s\n", rec.OutboundID)
	}
	if rec.To != "" {
		fmt.Fprintf(&b, "To: %s\n", rec.To)
	}
	fmt.Fprintf(&b, "Ended: %s after %s\n", rec.Reason, rec.Duration().Round(time.Second))

	if res != nil {
		b.WriteString("\nOutcome\n")
		fmt.Fprintf(&b, "Interested: %t\n", res.Interested)
		if res.Sentiment != "" {
			fmt.Fprintf(&b, "Sentiment: %s\n", res.Sentiment)
		}
		if res.Summary != "" {
			fmt.Fprintf(&b, "Summary: %s\n", res.Summary)
		}
		if res.NextStep != "" {
			fmt.Fprintf(&b, "Next step: %s\n", res.NextStep)
		}
	}

	b.WriteString("\nTranscript\n")
	if len(rec.Transcript) == 0 {
		b.WriteString("(empty)\n")
	} else {
		b.WriteString(rec.TranscriptText())
	}
	return b.String()
}

func (a *Archive) initService(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == nil {
		return ErrNotAuthenticated
	}

	opts := []option.ClientOption{option.WithHTTPClient(a.oauth.Client(ctx, a.token))}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := docs.NewService(ctx, opts...)
	if err != nil {
		return fmt.Errorf("archive: create docs service: %w", err)
	}
	a.service = svc
	return nil
}

func readToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("archive: decode token: %w", err)
	}
	return &tok, nil
}

func writeToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
