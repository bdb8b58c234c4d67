package mylife

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nocturne/connectors/pkg/clients"
	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/connector/core"
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/mapping"
	"github.com/nocturne/connectors/pkg/models"
	"github.com/nocturne/connectors/pkg/timestamps"
)

var day = time.Date(2025, 1, 14, 8, 0, 0, 0, time.UTC)

func rawEvent(code int, at time.Time, value, info string, index int64) mapping.RawEvent {
	return mapping.RawEvent{
		EventTypeID:   code,
		DateTime:      timestamps.ToTicks(at),
		Value:         value,
		Information:   info,
		PatientID:     "p1",
		DeviceID:      "pump-7",
		IndexOnDevice: index,
		CRC:           "c0ffee",
	}
}

func sampleArchive(t *testing.T) []byte {
	t.Helper()
	data, err := NewDecoder().Encode(map[string][]mapping.RawEvent{
		"cgm.json": {
			rawEvent(mapping.CodeCGM, day, "120", `{"Trend":"Flat"}`, 1),
			rawEvent(mapping.CodeCGM, day.Add(5*time.Minute), "126", `{"Trend":"FortyFiveUp"}`, 2),
		},
		"pump.json": {
			rawEvent(mapping.CodeBolusStandard, day.Add(10*time.Minute), "2,5", "", 3),
			rawEvent(mapping.CodeSiteChange, day.Add(20*time.Minute), "", "", 4),
		},
	})
	require.NoError(t, err)
	return data
}

func TestDecoderRoundTrip(t *testing.T) {
	events, err := NewDecoder().Decode(sampleArchive(t))
	require.NoError(t, err)
	require.Len(t, events, 4)
	// members are read in name order
	assert.Equal(t, mapping.CodeCGM, events[0].EventTypeID)
	assert.Equal(t, "2,5", events[2].Value)
}

func TestDecoderEmptyArchive(t *testing.T) {
	data, err := NewDecoder().Encode(nil)
	require.NoError(t, err)

	events, err := NewDecoder().Decode(data)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecoderFailsClosed(t *testing.T) {
	valid := sampleArchive(t)
	d := NewDecoder()

	truncated := valid[:len(valid)-aes.BlockSize]
	flipped := append([]byte(nil), valid...)
	flipped[len(flipped)-1] ^= 0xff

	notArray, err := d.encrypt(zipWith(t, "x.json", `{"not":"an array"}`))
	require.NoError(t, err)
	notZip, err := d.encrypt([]byte("plain text, not an archive"))
	require.NoError(t, err)

	random := make([]byte, 4*aes.BlockSize)
	_, _ = rand.Read(random)

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"partial block", valid[:len(valid)-3]},
		{"truncated", truncated},
		{"corrupt padding", flipped},
		{"member not an array", notArray},
		{"not a zip", notZip},
		{"random bytes", random},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := d.Decode(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeMalformedPayload), "got %v", err)
			assert.Nil(t, events)
		})
	}
}

func zipWith(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// fakeService is a minimal sync service. Tokens listed in revoked are
// answered with an InvalidToken fault.
type fakeService struct {
	archive []byte
	logins  int32
	syncs   int32
	revoked map[string]bool
	lastReq string
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.lastReq = string(body)
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")

	switch r.Header.Get("SOAPAction") {
	case `"` + actionLogin + `"`:
		n := atomic.AddInt32(&f.logins, 1)
		if !strings.Contains(string(body), "<password>secret</password>") {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, fault("s:Client", "InvalidCredentials"))
			return
		}
		fmt.Fprint(w, envelope(fmt.Sprintf(
			`<LoginResponse xmlns="%s"><LoginResult><Token>token-%d</Token><PatientId>p1</PatientId><SessionTimeoutMinutes>30</SessionTimeoutMinutes></LoginResult></LoginResponse>`,
			serviceNamespace, n)))
	case `"` + actionGetSyncData + `"`:
		atomic.AddInt32(&f.syncs, 1)
		for tok := range f.revoked {
			if strings.Contains(string(body), "<token>"+tok+"</token>") {
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, fault("s:Client", "InvalidToken"))
				return
			}
		}
		fmt.Fprint(w, envelope(fmt.Sprintf(
			`<GetSyncDataResponse xmlns="%s"><GetSyncDataResult>%s</GetSyncDataResult></GetSyncDataResponse>`,
			serviceNamespace, base64.StdEncoding.EncodeToString(f.archive))))
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func envelope(inner string) string {
	return `<?xml version="1.0" encoding="utf-8"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` +
		inner + `</s:Body></s:Envelope>`
}

func fault(code, msg string) string {
	return envelope(fmt.Sprintf(`<s:Fault><faultcode>%s</faultcode><faultstring>%s</faultstring></s:Fault>`, code, msg))
}

func newTestSource(t *testing.T, url, password string) *Source {
	t.Helper()
	cfg := config.NewConnectorConfig("pump", Type)
	cfg.Credentials = config.Credentials{Username: "user@example.com", Password: password}
	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.RateLimit = 0
	httpCfg.CircuitBreakerEnabled = false
	src, err := New(cfg, core.Dependencies{
		HTTP:   clients.NewHTTPClient(httpCfg, zap.NewNop()),
		Logger: zap.NewNop(),
	}, WithBaseURL(url))
	require.NoError(t, err)
	return src
}

func TestSourceSyncCycle(t *testing.T) {
	svc := &fakeService{archive: sampleArchive(t)}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	src := newTestSource(t, srv.URL, "secret")
	ctx := context.Background()

	require.NoError(t, src.Authenticate(ctx))
	payload, err := src.FetchRaw(ctx, core.Window{From: day.Add(-time.Hour), To: day.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ContentType, payload.ContentType)
	assert.Contains(t, svc.lastReq, "<patientId>p1</patientId>")
	assert.Contains(t, svc.lastReq, fmt.Sprintf("<fromTicks>%d</fromTicks>", timestamps.ToTicks(day.Add(-time.Hour))))

	norm, err := src.Normalize(ctx, payload)
	require.NoError(t, err)
	require.Len(t, norm.Batch.Entries, 2)
	assert.Equal(t, models.TrendFlat, norm.Batch.Entries[0].Direction)
	require.Len(t, norm.Batch.Treatments, 2)
	assert.Equal(t, models.EventBolus, norm.Batch.Treatments[0].EventType)
	assert.InDelta(t, 2.5, *norm.Batch.Treatments[0].Insulin, 1e-9)
	assert.Equal(t, models.EventSiteChange, norm.Batch.Treatments[1].EventType)
	assert.Empty(t, norm.RecordErrors)
}

func TestSourceRelogsOnInvalidToken(t *testing.T) {
	svc := &fakeService{archive: sampleArchive(t), revoked: map[string]bool{"token-1": true}}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	src := newTestSource(t, srv.URL, "secret")
	_, err := src.FetchRaw(context.Background(), core.Window{From: day, To: day.Add(time.Hour)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&svc.logins))
	assert.EqualValues(t, 2, atomic.LoadInt32(&svc.syncs))
}

func TestSourceBadCredentials(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	src := newTestSource(t, srv.URL, "wrong")
	err := src.Authenticate(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication), "got %v", err)
}

func TestNormalizeEmptyPayload(t *testing.T) {
	src := newTestSource(t, "http://127.0.0.1:0", "secret")
	norm, err := src.Normalize(context.Background(), &models.RawPayload{})
	require.NoError(t, err)
	assert.True(t, norm.Batch.IsEmpty())
}

func TestNewRequiresCredentials(t *testing.T) {
	cfg := config.NewConnectorConfig("pump", Type)
	_, err := New(cfg, core.Dependencies{Logger: zap.NewNop()})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestClassifyFault(t *testing.T) {
	assert.True(t, errors.IsType(classifyFault(&soapFault{Code: "s:Client", String: "SessionExpired"}), errors.ErrorTypeAuthentication))
	assert.True(t, errors.IsRetryable(classifyFault(&soapFault{Code: "s:Server", String: "database unavailable"})))
	assert.True(t, errors.IsType(classifyFault(&soapFault{Code: "s:Client", String: "bad range"}), errors.ErrorTypePermanentRequest))
}
