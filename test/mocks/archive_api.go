package mocks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockArchiveAPI provides a mock implementation of the archive REST API
type MockArchiveAPI struct {
	Server    *httptest.Server
	mu        sync.Mutex
	instances map[string][]byte
	callLog   []APICall
	behavior  ArchiveBehavior
	resets    int
}

// APICall logs API calls for verification
type APICall struct {
	Method   string
	Path     string
	Time     time.Time
	Response int
}

// ArchiveBehavior controls mock archive behavior
type ArchiveBehavior struct {
	// Username and Password, when set, are required as basic auth
	Username string
	Password string

	// FailStatus makes instance requests return this status (0 = success)
	FailStatus int

	// FailRequests limits FailStatus to the first N instance requests (0 = all)
	FailRequests int

	// ResetStatus overrides the /tools/reset response (0 = 200)
	ResetStatus int

	// Unavailable makes every request, including /system, return 503
	Unavailable bool
}

// NewMockArchiveAPI creates a new mock archive server
func NewMockArchiveAPI() *MockArchiveAPI {
	mock := &MockArchiveAPI{
		instances: make(map[string][]byte),
		callLog:   make([]APICall, 0),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/system", mock.handleSystem)
	mux.HandleFunc("/tools/reset", mock.handleReset)
	mux.HandleFunc("/instances/", mock.handleInstance)

	mock.Server = httptest.NewServer(mux)
	return mock
}

// Close stops the mock server
func (m *MockArchiveAPI) Close() {
	m.Server.Close()
}

// URL returns the mock server URL
func (m *MockArchiveAPI) URL() string {
	return m.Server.URL
}

// AddInstance stores a DICOM file under id
func (m *MockArchiveAPI) AddInstance(id string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[id] = data
}

// SetBehavior configures mock archive behavior
func (m *MockArchiveAPI) SetBehavior(behavior ArchiveBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behavior = behavior
}

// GetCallLog returns all API calls made
func (m *MockArchiveAPI) GetCallLog() []APICall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]APICall{}, m.callLog...)
}

// Resets returns how many restart requests were received
func (m *MockArchiveAPI) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

func (m *MockArchiveAPI) logCall(method, path string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callLog = append(m.callLog, APICall{
		Method:   method,
		Path:     path,
		Time:     time.Now(),
		Response: status,
	})
}

// authorize checks availability and credentials, writing the error
// response itself when the request must be refused
func (m *MockArchiveAPI) authorize(w http.ResponseWriter, r *http.Request) bool {
	m.mu.Lock()
	behavior := m.behavior
	m.mu.Unlock()

	if behavior.Unavailable {
		m.logCall(r.Method, r.URL.Path, http.StatusServiceUnavailable)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return false
	}
	if behavior.Username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != behavior.Username || pass != behavior.Password {
			m.logCall(r.Method, r.URL.Path, http.StatusUnauthorized)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return false
		}
	}
	return true
}

func (m *MockArchiveAPI) handleSystem(w http.ResponseWriter, r *http.Request) {
	if !m.authorize(w, r) {
		return
	}
	m.logCall(r.Method, r.URL.Path, http.StatusOK)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"Name":       "MockArchive",
		"Version":    "1.12.0",
		"ApiVersion": 22,
		"DicomAet":   "ARCHIVE",
		"DicomPort":  4242,
	})
}

func (m *MockArchiveAPI) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !m.authorize(w, r) {
		return
	}

	m.mu.Lock()
	m.resets++
	status := m.behavior.ResetStatus
	m.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}

	m.logCall(r.Method, r.URL.Path, status)
	w.WriteHeader(status)
	w.Write([]byte("{}"))
}

func (m *MockArchiveAPI) handleInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !m.authorize(w, r) {
		return
	}

	// /instances/{id} or /instances/{id}/file
	rest := strings.TrimPrefix(r.URL.Path, "/instances/")
	id, suffix, _ := strings.Cut(rest, "/")

	m.mu.Lock()
	if m.behavior.FailStatus != 0 {
		status := m.behavior.FailStatus
		if m.behavior.FailRequests > 0 {
			m.behavior.FailRequests--
			if m.behavior.FailRequests == 0 {
				m.behavior.FailStatus = 0
			}
		}
		m.mu.Unlock()
		m.logCall(r.Method, r.URL.Path, status)
		http.Error(w, "Injected failure", status)
		return
	}
	data, ok := m.instances[id]
	m.mu.Unlock()

	if !ok {
		m.logCall(r.Method, r.URL.Path, http.StatusNotFound)
		http.Error(w, "Unknown resource", http.StatusNotFound)
		return
	}

	switch suffix {
	case "":
		m.logCall(r.Method, r.URL.Path, http.StatusOK)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ID":       id,
			"Type":     "Instance",
			"FileSize": len(data),
		})
	case "file":
		m.logCall(r.Method, r.URL.Path, http.StatusOK)
		w.Header().Set("Content-Type", "application/dicom")
		w.Write(data)
	default:
		m.logCall(r.Method, r.URL.Path, http.StatusNotFound)
		http.Error(w, "Unknown resource", http.StatusNotFound)
	}
}
