package mocks

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Upload is one multipart request received by the downstream mock
type Upload struct {
	JobID         string
	RequestID     string
	CorrelationID string
	Authorization string
	Filename      string
	Data          []byte
	Fields        map[string]string
	Received      time.Time
}

// DownstreamBehavior controls mock downstream behavior
type DownstreamBehavior struct {
	// APIKey, when set, is required as a bearer token
	APIKey string

	// FailStatus makes uploads return this status (0 = success)
	FailStatus int

	// FailRequests limits FailStatus to the first N uploads (0 = all)
	FailRequests int
}

// MockDownstreamAPI records anonymized uploads
type MockDownstreamAPI struct {
	Server   *httptest.Server
	mu       sync.Mutex
	uploads  []Upload
	callLog  []APICall
	behavior DownstreamBehavior
}

// NewMockDownstreamAPI creates a new mock downstream server
func NewMockDownstreamAPI() *MockDownstreamAPI {
	mock := &MockDownstreamAPI{callLog: make([]APICall, 0)}
	mock.Server = httptest.NewServer(http.HandlerFunc(mock.handleUpload))
	return mock
}

// Close stops the mock server
func (m *MockDownstreamAPI) Close() {
	m.Server.Close()
}

// URL returns the upload endpoint
func (m *MockDownstreamAPI) URL() string {
	return m.Server.URL + "/api/v1/instances"
}

// SetBehavior configures mock downstream behavior
func (m *MockDownstreamAPI) SetBehavior(behavior DownstreamBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behavior = behavior
}

// Uploads returns every accepted upload
func (m *MockDownstreamAPI) Uploads() []Upload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Upload{}, m.uploads...)
}

// GetCallLog returns all API calls made
func (m *MockDownstreamAPI) GetCallLog() []APICall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]APICall{}, m.callLog...)
}

func (m *MockDownstreamAPI) logCall(method, path string, status int) {
	m.callLog = append(m.callLog, APICall{
		Method:   method,
		Path:     path,
		Time:     time.Now(),
		Response: status,
	})
}

func (m *MockDownstreamAPI) handleUpload(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.Method != http.MethodPost {
		m.logCall(r.Method, r.URL.Path, http.StatusMethodNotAllowed)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if m.behavior.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+m.behavior.APIKey {
		m.logCall(r.Method, r.URL.Path, http.StatusUnauthorized)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if m.behavior.FailStatus != 0 {
		status := m.behavior.FailStatus
		if m.behavior.FailRequests > 0 {
			m.behavior.FailRequests--
			if m.behavior.FailRequests == 0 {
				m.behavior.FailStatus = 0
			}
		}
		m.logCall(r.Method, r.URL.Path, status)
		http.Error(w, "Injected failure", status)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		m.logCall(r.Method, r.URL.Path, http.StatusBadRequest)
		http.Error(w, "Invalid multipart body", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		m.logCall(r.Method, r.URL.Path, http.StatusBadRequest)
		http.Error(w, "Missing file part", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		m.logCall(r.Method, r.URL.Path, http.StatusBadRequest)
		http.Error(w, "Unreadable file part", http.StatusBadRequest)
		return
	}

	fields := make(map[string]string)
	for k, v := range r.MultipartForm.Value {
		fields[k] = strings.Join(v, ",")
	}

	m.uploads = append(m.uploads, Upload{
		JobID:         r.Header.Get("X-Bridge-Job-ID"),
		RequestID:     r.Header.Get("X-Request-ID"),
		CorrelationID: r.Header.Get("X-Correlation-ID"),
		Authorization: r.Header.Get("Authorization"),
		Filename:      header.Filename,
		Data:          data,
		Fields:        fields,
		Received:      time.Now(),
	})
	m.logCall(r.Method, r.URL.Path, http.StatusCreated)
	w.WriteHeader(http.StatusCreated)
	w.Write([]byte(`{"status":"accepted"}`))
}
