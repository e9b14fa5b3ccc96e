package realtime

import "sync"

// Mock records what a session sends to the realtime service.
type Mock struct {
	mu sync.Mutex

	// Configurable behavior
	ConfigureSessionFunc func(cfg SessionConfig) error
	SendDirectiveFunc    func(text string) error
	AppendAudioFunc      func(payload string) error

	// Captured calls for assertions
	Sessions   []SessionConfig
	Directives []string
	Audio      []string
	Cancels    int
	Closes     int
}

// NewMock creates a Mock.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) ConfigureSession(cfg SessionConfig) error {
	if m.ConfigureSessionFunc != nil {
		return m.ConfigureSessionFunc(cfg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions = append(m.Sessions, cfg)
	return nil
}

func (m *Mock) SendDirective(text string) error {
	if m.SendDirectiveFunc != nil {
		return m.SendDirectiveFunc(text)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Directives = append(m.Directives, text)
	return nil
}

func (m *Mock) AppendAudio(payload string) error {
	if m.AppendAudioFunc != nil {
		return m.AppendAudioFunc(payload)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Audio = append(m.Audio, payload)
	return nil
}

func (m *Mock) CancelResponse() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancels++
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closes++
	return nil
}

// DirectiveCount returns the number of directives sent.
func (m *Mock) DirectiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Directives)
}

// AudioCount returns the number of caller frames forwarded.
func (m *Mock) AudioCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Audio)
}

// CancelCount returns the number of responses cancelled.
func (m *Mock) CancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Cancels
}

// CloseCount returns the number of Close calls.
func (m *Mock) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closes
}
