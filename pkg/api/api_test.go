package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fako1024/bthalo/pkg/discovery"
	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/fako1024/bthalo/pkg/mock"
	"github.com/fako1024/bthalo/pkg/session"
	"github.com/stretchr/testify/require"
)

const testAddress = "AA:BB:CC:DD:EE:01"

func newTestAPI(t *testing.T) (*API, *mock.Transport) {
	p := mock.NewPeripheral(testAddress, "Flarm-01")
	p.Bonded = true
	tr := mock.New(p, mock.NewPeripheral("AA:BB:CC:DD:EE:02", "Speaker"))

	agg := discovery.New(tr,
		discovery.WithBondStore(tr),
		discovery.WithScanWindow(100*time.Millisecond),
	)
	m := session.New(tr, agg, session.WithTiming(session.Timing{
		ConnectTimeout: 500 * time.Millisecond,
		ReadStagger:    5 * time.Millisecond,
		SyncTimeout:    300 * time.Millisecond,
		ResetSettle:    20 * time.Millisecond,
		ReconnectDelay: 20 * time.Millisecond,
	}))
	t.Cleanup(func() {
		require.Nil(t, m.Close())
	})

	return New(m, ":0"), tr
}

func do(t *testing.T, api *API, method, path, body string) (int, []byte) {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := api.router.Test(req, -1)
	require.Nil(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.Nil(t, err)

	return resp.StatusCode, data
}

func status(t *testing.T, api *API) StatusResponse {
	code, data := do(t, api, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, code)

	var res StatusResponse
	require.Nil(t, json.Unmarshal(data, &res))
	return res
}

func TestInitialStatus(t *testing.T) {
	api, _ := newTestAPI(t)

	res := status(t, api)
	require.Equal(t, "idle", res.State)
	require.True(t, res.ControlsEnabled)
	require.Equal(t, halo.DefaultValues(), res.Values)
	require.Equal(t, []string{
		"Volume: 7/10",
		"Airfield Elevation: 640ft",
		"QNH Pressure: 1014.0mb",
		"SoftRF (38400 baud)",
	}, res.Display)
	require.Empty(t, res.Resolved)
	require.Nil(t, res.Peripheral)
}

func TestErrorMapping(t *testing.T) {
	api, _ := newTestAPI(t)

	code, data := do(t, api, http.MethodPost, "/connect", "")
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(data), halo.ErrNoPeripheralSelected.Error())

	code, _ = do(t, api, http.MethodPost, "/select/Flarm-99", "")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, api, http.MethodPost, "/disconnect", "")
	require.Equal(t, http.StatusConflict, code)

	code, _ = do(t, api, http.MethodPut, "/volume", `{"volume": 3}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, api, http.MethodPut, "/datasource", `{"softrf": `)
	require.Equal(t, http.StatusBadRequest, code)

	// Local edits while disconnected are kept, but reported as not applied
	code, _ = do(t, api, http.MethodPut, "/volume", `{"slider": 3}`)
	require.Equal(t, http.StatusConflict, code)
	res := status(t, api)
	require.Equal(t, 9, res.Values.Volume)
	require.Equal(t, "Connect to apply volume settings", res.Message)
}

func TestSessionFlow(t *testing.T) {
	api, tr := newTestAPI(t)

	code, _ := do(t, api, http.MethodPost, "/scan", "")
	require.Equal(t, http.StatusNoContent, code)

	var peripherals []PeripheralResponse
	require.Eventually(t, func() bool {
		_, data := do(t, api, http.MethodGet, "/peripherals", "")
		require.Nil(t, json.Unmarshal(data, &peripherals))
		return len(peripherals) == 2
	}, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, PeripheralResponse{Address: testAddress, Name: "Flarm-01", Label: "PAIRED: Flarm-01", Bonded: true}, peripherals[0])
	require.Equal(t, "Device: Speaker", peripherals[1].Label)

	code, _ = do(t, api, http.MethodPost, "/select/Flarm-01", "")
	require.Equal(t, http.StatusNoContent, code)
	require.Equal(t, testAddress, status(t, api).Selected.Address)

	code, _ = do(t, api, http.MethodPost, "/connect", "")
	require.Equal(t, http.StatusNoContent, code)
	require.Eventually(t, func() bool {
		res := status(t, api)
		return res.State == "ready" && res.Message == "Connected! Read 4/4 values"
	}, 3*time.Second, 5*time.Millisecond)

	res := status(t, api)
	require.Equal(t, testAddress, res.Peripheral.Address)
	require.Len(t, res.Resolved, len(halo.Characteristics))

	code, _ = do(t, api, http.MethodPut, "/qnh", `{"index": 110}`)
	require.Equal(t, http.StatusNoContent, code)
	code, _ = do(t, api, http.MethodPut, "/test", `{"on": true}`)
	require.Equal(t, http.StatusNoContent, code)
	code, _ = do(t, api, http.MethodPost, "/flash", "")
	require.Equal(t, http.StatusNoContent, code)

	require.Eventually(t, func() bool {
		return len(tr.Writes()) == 3
	}, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, halo.QNHCommand(110), tr.Writes()[0].Command)
	require.Equal(t, 110, status(t, api).Values.QNH)

	code, _ = do(t, api, http.MethodPost, "/rescan", "")
	require.Equal(t, http.StatusConflict, code)

	code, _ = do(t, api, http.MethodPost, "/disconnect", "")
	require.Equal(t, http.StatusNoContent, code)
	require.Eventually(t, func() bool {
		return status(t, api).State == "idle"
	}, 3*time.Second, 5*time.Millisecond)
}
