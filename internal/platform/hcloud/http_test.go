package hcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/hetznercloud/hcloud-go/v2/hcloud/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/config"
	"github.com/imamik/tenantplane/internal/util/seal"
)

var testMasterKey = []byte(strings.Repeat("k", 32))

// testServer creates an httptest server that can be used to mock Hetzner Cloud API responses.
type testServer struct {
	server  *httptest.Server
	mux     *http.ServeMux
	objects *memObjects
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &testServer{server: server, mux: mux, objects: newMemObjects()}
}

// realClient returns a RealClient configured to use the test server.
func (ts *testServer) realClient(opts ...ClientOption) *RealClient {
	base := []ClientOption{
		WithHCloudClient(hcloud.NewClient(
			hcloud.WithToken("test-token"),
			hcloud.WithEndpoint(ts.server.URL),
		)),
		WithTimeouts(&config.Timeouts{
			ProviderCall:      5 * time.Second,
			MachineCreate:     5 * time.Second,
			Delete:            5 * time.Second,
			HealthProbe:       time.Second,
			RetryMaxAttempts:  2,
			RetryInitialDelay: 10 * time.Millisecond,
			RetryMaxDelay:     20 * time.Millisecond,
		}),
		WithObjectStore(ts.objects),
		WithSettings(Settings{
			NetworkZone:          "eu-central",
			RuntimeImageSelector: "tenantplane.io/runtime=agent",
			ServerTypes:          map[int]string{2048: "cx22", 4096: "cx32"},
			HealthPort:           8080,
			HealthPath:           "/healthz",
			ObjectEndpoint:       "https://fsn1.your-objectstorage.com",
			ObjectBucket:         "tenantplane",
			MasterKey:            testMasterKey,
		}),
	}
	return NewRealClient("test-token", append(base, opts...)...)
}

func (ts *testServer) handleFunc(pattern string, handler http.HandlerFunc) {
	ts.mux.HandleFunc(pattern, handler)
}

// jsonResponse writes a JSON response with the given status code and body.
func jsonResponse(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func errorResponse(w http.ResponseWriter, statusCode int, code hcloud.ErrorCode) {
	jsonResponse(w, statusCode, schema.ErrorResponse{
		Error: schema.Error{Code: string(code), Message: string(code)},
	})
}

type memObjects struct {
	mu      sync.Mutex
	data    map[string][]byte
	deleted []string
}

func newMemObjects() *memObjects {
	return &memObjects{data: make(map[string][]byte)}
}

func (m *memObjects) PutObject(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memObjects) GetObject(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%s: not found", key)
	}
	return v, nil
}

func (m *memObjects) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, prefix)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

func TestCreateVolume_CreatesWhenMissing(t *testing.T) {
	ts := newTestServer(t)
	var posts atomic.Int32

	ts.handleFunc("/locations", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, schema.LocationListResponse{
			Locations: []schema.Location{{ID: 1, Name: "fsn1"}},
		})
	})
	ts.handleFunc("/volumes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			jsonResponse(w, http.StatusOK, schema.VolumeListResponse{Volumes: []schema.Volume{}})
		case http.MethodPost:
			posts.Add(1)
			var body schema.VolumeCreateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "tp-acme-data", body.Name)
			assert.Equal(t, 10, body.Size)
			jsonResponse(w, http.StatusCreated, schema.VolumeCreateResponse{
				Volume: schema.Volume{ID: 7, Name: body.Name, Size: body.Size},
				Action: &schema.Action{ID: 1, Status: "success"},
			})
		}
	})

	res, err := ts.realClient().CreateVolume(context.Background(), compute.VolumeSpec{
		App: "tp-acme", Name: "tp-acme-data", Region: "fsn1", SizeGB: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "7", res.ID)
	assert.False(t, res.AlreadyExisted)
	assert.EqualValues(t, 1, posts.Load())
}

func TestCreateVolume_AlreadyExists(t *testing.T) {
	ts := newTestServer(t)
	var posts atomic.Int32

	ts.handleFunc("/volumes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		jsonResponse(w, http.StatusOK, schema.VolumeListResponse{
			Volumes: []schema.Volume{{ID: 7, Name: "tp-acme-data", Size: 10}},
		})
	})

	res, err := ts.realClient().CreateVolume(context.Background(), compute.VolumeSpec{
		App: "tp-acme", Name: "tp-acme-data", Region: "fsn1", SizeGB: 10,
	})
	require.NoError(t, err)
	assert.True(t, res.AlreadyExisted)
	assert.Equal(t, "7", res.ID)
	assert.Zero(t, posts.Load())
}

func TestCreateApp_InvalidInputIsNotRetried(t *testing.T) {
	ts := newTestServer(t)
	var posts atomic.Int32

	ts.handleFunc("/networks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
			errorResponse(w, http.StatusUnprocessableEntity, hcloud.ErrorCodeInvalidInput)
			return
		}
		jsonResponse(w, http.StatusOK, schema.NetworkListResponse{Networks: []schema.Network{}})
	})

	_, err := ts.realClient().CreateApp(context.Background(), compute.AppSpec{Name: "tp-acme", TenantID: "acme"})
	require.Error(t, err)
	assert.ErrorIs(t, err, compute.ErrInvalidRequest)
	assert.EqualValues(t, 1, posts.Load())
}

func TestCreateApp_UniquenessConflictReadsBack(t *testing.T) {
	ts := newTestServer(t)
	var created atomic.Bool

	ts.handleFunc("/networks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			// Another writer won the race.
			created.Store(true)
			errorResponse(w, http.StatusConflict, hcloud.ErrorCodeUniquenessError)
			return
		}
		if !created.Load() {
			jsonResponse(w, http.StatusOK, schema.NetworkListResponse{Networks: []schema.Network{}})
			return
		}
		jsonResponse(w, http.StatusOK, schema.NetworkListResponse{
			Networks: []schema.Network{{
				ID:      42,
				Name:    "tp-acme",
				IPRange: appIPRange,
				Subnets: []schema.NetworkSubnet{{
					Type:        "cloud",
					IPRange:     appSubnetRange,
					NetworkZone: "eu-central",
					Gateway:     "10.0.0.1",
				}},
			}},
		})
	})

	res, err := ts.realClient().CreateApp(context.Background(), compute.AppSpec{Name: "tp-acme", TenantID: "acme"})
	require.NoError(t, err)
	assert.True(t, res.AlreadyExisted)
	assert.Equal(t, "42", res.ID)
}

func TestCreateApp_SlowProviderIsOutcomeUnknown(t *testing.T) {
	ts := newTestServer(t)

	ts.handleFunc("/networks", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	client := ts.realClient(WithTimeouts(&config.Timeouts{
		ProviderCall:      50 * time.Millisecond,
		RetryMaxAttempts:  1,
		RetryInitialDelay: 10 * time.Millisecond,
		RetryMaxDelay:     10 * time.Millisecond,
	}))

	_, err := client.CreateApp(context.Background(), compute.AppSpec{Name: "tp-acme"})
	require.Error(t, err)
	assert.True(t, compute.IsUnknown(err), "got %v", err)
}

func TestGetMachineStatus(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(health.Close)
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(health.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	tests := []struct {
		name        string
		status      string
		healthPath  string
		wantState   compute.MachineState
		wantHealthy bool
	}{
		{name: "running and healthy", status: "running", healthPath: "/healthz", wantState: compute.MachineStarted, wantHealthy: true},
		{name: "running but unhealthy", status: "running", healthPath: "/broken", wantState: compute.MachineStarted},
		{name: "starting", status: "starting", healthPath: "/healthz", wantState: compute.MachineStarting},
		{name: "off", status: "off", healthPath: "/healthz", wantState: compute.MachineStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.handleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("name") != "tp-acme-machine" {
					jsonResponse(w, http.StatusOK, schema.ServerListResponse{Servers: []schema.Server{}})
					return
				}
				jsonResponse(w, http.StatusOK, schema.ServerListResponse{
					Servers: []schema.Server{{
						ID:     99,
						Name:   "tp-acme-machine",
						Status: tt.status,
						PublicNet: schema.ServerPublicNet{
							IPv4: schema.ServerPublicNetIPv4{IP: "127.0.0.1"},
						},
					}},
				})
			})
			require.NoError(t, ts.objects.PutObject(context.Background(), "apps/tp-acme/image", []byte("registry.example.com/tenants:tenant-acme")))

			client := ts.realClient()
			client.settings.HealthPort = port
			client.settings.HealthPath = tt.healthPath

			status, err := client.GetMachineStatus(context.Background(), "tp-acme", "tp-acme-machine")
			require.NoError(t, err)
			assert.Equal(t, "99", status.ID)
			assert.Equal(t, tt.wantState, status.State)
			assert.Equal(t, tt.wantHealthy, status.Healthy)
			assert.Equal(t, "registry.example.com/tenants:tenant-acme", status.Image)
		})
	}
}

func TestGetMachineStatus_NotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.handleFunc("/servers", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, schema.ServerListResponse{Servers: []schema.Server{}})
	})

	_, err := ts.realClient().GetMachineStatus(context.Background(), "tp-acme", "tp-acme-machine")
	assert.ErrorIs(t, err, compute.ErrNotFound)
}

func TestSetMachineSecrets_SealsForApp(t *testing.T) {
	ts := newTestServer(t)
	client := ts.realClient()

	env := map[string]string{"DATABASE_URL": "postgres://u:p@h/db"}
	require.NoError(t, client.SetMachineSecrets(context.Background(), "tp-acme", env))

	sealed, err := ts.objects.GetObject(context.Background(), "apps/tp-acme/secrets.sealed")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "postgres")

	key, err := seal.DeriveKey(testMasterKey, "machine:tp-acme")
	require.NoError(t, err)
	plain, err := seal.Open(key, sealed)
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(plain, &got))
	assert.Equal(t, env, got)
}

func TestMachineUserData(t *testing.T) {
	ts := newTestServer(t)
	out, err := ts.realClient().machineUserData("tp-acme")
	require.NoError(t, err)

	var cfg agentConfig
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "tp-acme", cfg.App)
	assert.Equal(t, "tenantplane", cfg.ObjectStorage.Bucket)
	assert.Equal(t, "apps/tp-acme/secrets.sealed", cfg.ObjectStorage.SecretsObject)
	assert.Equal(t, "apps/tp-acme/image", cfg.ObjectStorage.ImageObject)
	assert.Len(t, cfg.MachineKey, 64)
	assert.Equal(t, 8080, cfg.Health.Port)
}

func TestDestroyApp_MissingResourcesSucceed(t *testing.T) {
	ts := newTestServer(t)
	ts.handleFunc("/servers", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, schema.ServerListResponse{Servers: []schema.Server{}})
	})
	ts.handleFunc("/certificates", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, schema.CertificateListResponse{Certificates: []schema.Certificate{}})
	})
	ts.handleFunc("/primary_ips", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, schema.PrimaryIPListResponse{PrimaryIPs: []schema.PrimaryIP{}})
	})
	ts.handleFunc("/volumes", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, schema.VolumeListResponse{Volumes: []schema.Volume{}})
	})
	ts.handleFunc("/networks", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, schema.NetworkListResponse{Networks: []schema.Network{}})
	})
	require.NoError(t, ts.objects.PutObject(context.Background(), "apps/tp-acme/image", []byte("img")))

	err := ts.realClient().DestroyApp(context.Background(), compute.AppResources{
		App:         "tp-acme",
		Machine:     "tp-acme-machine",
		Volume:      "tp-acme-data",
		IPv4:        "tp-acme-ipv4",
		IPv6:        "tp-acme-ipv6",
		Certificate: "tp-acme-cert",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"apps/tp-acme/"}, ts.objects.deleted)
	_, err = ts.objects.GetObject(context.Background(), "apps/tp-acme/image")
	assert.Error(t, err)
}

func TestMachineState(t *testing.T) {
	tests := map[hcloud.ServerStatus]compute.MachineState{
		hcloud.ServerStatusInitializing: compute.MachineCreated,
		hcloud.ServerStatusStarting:     compute.MachineStarting,
		hcloud.ServerStatusRebuilding:   compute.MachineStarting,
		hcloud.ServerStatusRunning:      compute.MachineStarted,
		hcloud.ServerStatusStopping:     compute.MachineStopped,
		hcloud.ServerStatusOff:          compute.MachineStopped,
		hcloud.ServerStatusDeleting:     compute.MachineDestroyed,
		hcloud.ServerStatusUnknown:      compute.MachineFailed,
	}
	for in, want := range tests {
		assert.Equal(t, want, machineState(in), string(in))
	}
}

func TestServerTypeFor(t *testing.T) {
	ts := newTestServer(t)
	client := ts.realClient()

	got, err := client.serverTypeFor(1024)
	require.NoError(t, err)
	assert.Equal(t, "cx22", got)

	got, err = client.serverTypeFor(4096)
	require.NoError(t, err)
	assert.Equal(t, "cx32", got)

	_, err = client.serverTypeFor(65536)
	assert.ErrorIs(t, err, compute.ErrInvalidRequest)
}
