package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFakeArchive(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, maxBytes int64) *Client {
	t.Helper()
	c, err := NewClient(Options{
		URL:              srv.URL,
		MaxInstanceBytes: maxBytes,
		HTTPClient:       srv.Client(),
		Credentials: func(ctx context.Context) (string, string, error) {
			return "bridge", "s3cret", nil
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	return c
}

func TestClient_GetInstance(t *testing.T) {
	srv := newFakeArchive(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bridge" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/instances/abc":
			w.Write([]byte(`{"ID":"abc","Type":"Instance","FileSize":1024,"ParentSeries":"s1","MainDicomTags":{"SOPInstanceUID":"1.2.3"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := newTestClient(t, srv, 0)

	inst, err := c.GetInstance(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", inst.ID)
	assert.Equal(t, int64(1024), inst.FileSize)
	assert.Equal(t, "1.2.3", inst.MainDicomTags["SOPInstanceUID"])

	_, err = c.GetInstance(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsRetriableError(err))
}

func TestClient_FetchFile(t *testing.T) {
	payload := []byte("DICM-bytes")
	srv := newFakeArchive(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ContentTypeDICM, r.Header.Get(HeaderAccept))
		switch r.URL.Path {
		case "/instances/small/file":
			w.Write(payload)
		case "/instances/big/file":
			w.Write(make([]byte, 64))
		}
	})
	c := newTestClient(t, srv, 32)

	data, err := c.FetchFile(context.Background(), "small")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = c.FetchFile(context.Background(), "big")
	var tooLarge *TooLargeError
	require.True(t, errors.As(err, &tooLarge))
	assert.Equal(t, int64(32), tooLarge.Limit)
	assert.False(t, IsRetriableError(err))
}

func TestClient_SimplifiedTagsAndPing(t *testing.T) {
	srv := newFakeArchive(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/instances/abc/simplified-tags":
			w.Write([]byte(`{"Modality":"CT","SOPInstanceUID":"1.2.3"}`))
		case "/system":
			w.Write([]byte(`{"Name":"ORTHANC","Version":"1.12.1","ApiVersion":22,"DicomAet":"ORTHANC","DicomPort":4242}`))
		}
	})
	c := newTestClient(t, srv, 0)

	tags, err := c.SimplifiedTags(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "CT", tags["Modality"])

	info, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.12.1", info.Version)
	assert.Equal(t, 22, info.APIVersion)
}

func TestClient_Reset(t *testing.T) {
	var method string
	srv := newFakeArchive(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		if r.URL.Path != ResetEndpoint {
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := newTestClient(t, srv, 0)

	require.NoError(t, c.Reset(context.Background()))
	assert.Equal(t, http.MethodPost, method)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetriable bool
		check         func(t *testing.T, err error)
	}{
		{
			name:          "server error",
			status:        http.StatusBadGateway,
			wantRetriable: true,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
				assert.Equal(t, "upstream down", apiErr.Message)
			},
		},
		{
			name:          "bad request",
			status:        http.StatusBadRequest,
			wantRetriable: false,
		},
		{
			name:          "forbidden",
			status:        http.StatusForbidden,
			wantRetriable: true,
			check: func(t *testing.T, err error) {
				var authErr *AuthenticationError
				assert.True(t, errors.As(err, &authErr))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeArchive(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("upstream down\n"))
			})
			c := newTestClient(t, srv, 0)

			_, err := c.Ping(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantRetriable, IsRetriableError(err))
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(t, srv, 0)
	srv.Close()

	_, err := c.GetInstance(context.Background(), "abc")
	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.True(t, IsRetriableError(err))
}

func TestClient_CredentialFailure(t *testing.T) {
	srv := newFakeArchive(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent without credentials")
	})
	c, err := NewClient(Options{
		URL:        srv.URL,
		HTTPClient: srv.Client(),
		Credentials: func(ctx context.Context) (string, string, error) {
			return "", "", errors.New("vault sealed")
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	_, err = c.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault sealed")
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)

	_, err = NewClient(Options{URL: "https://archive.local", CAFile: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}
