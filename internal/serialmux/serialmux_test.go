package serialmux

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoResponder(addr int, cmd string) (string, bool) {
	if addr == 9 {
		return "", false
	}
	return strings.TrimSuffix(cmd, "?") + "@" + string(rune('0'+addr)), true
}

func TestSerialMux_Initialize(t *testing.T) {
	port := NewFakeController(nil)
	mux := NewSerialMux(port)
	require.NoError(t, mux.Initialize())
	assert.Equal(t, []string{"++mode 1", "++auto 0", "++eoi 1", "++eos 2"}, port.Lines())
}

func TestSerialMux_QueryAddressesOnce(t *testing.T) {
	port := NewFakeController(echoResponder)
	mux := NewSerialMux(port)

	got, err := mux.Query(5, "MEAS:VOLT?")
	require.NoError(t, err)
	assert.Equal(t, "MEAS:VOLT@5", got)

	got, err = mux.Query(5, "SOUR:VOLT?")
	require.NoError(t, err)
	assert.Equal(t, "SOUR:VOLT@5", got)

	require.NoError(t, mux.Command(7, "OUTP ON"))

	assert.Equal(t, []string{
		"++addr 5", "MEAS:VOLT?", "++read eoi",
		"SOUR:VOLT?", "++read eoi",
		"++addr 7", "OUTP ON",
	}, port.Lines())
}

func TestSerialMux_QueryTimeout(t *testing.T) {
	port := NewFakeController(echoResponder)
	mux := NewSerialMux(port, WithReadTimeout(20*time.Millisecond))

	_, err := mux.Query(9, "IDN?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoResponse), "got %v", err)

	hist := mux.History()
	require.Len(t, hist, 1)
	assert.Equal(t, 9, hist[0].Addr)
	assert.NotEmpty(t, hist[0].Err)
}

func TestSerialMux_WriteErrorReaddresses(t *testing.T) {
	port := NewFakeController(echoResponder)
	mux := NewSerialMux(port)

	require.NoError(t, mux.Command(3, "A"))
	port.SetWriteError(errors.New("unplugged"))
	require.Error(t, mux.Command(4, "B"))
	port.SetWriteError(nil)
	require.NoError(t, mux.Command(4, "C"))

	lines := port.Lines()
	assert.Equal(t, []string{"++addr 3", "A", "++addr 4", "C"}, lines)
}

func TestSerialMux_BreakerOpens(t *testing.T) {
	port := NewFakeController(echoResponder)
	mux := NewSerialMux(port, WithBreaker(2, time.Minute))
	port.SetWriteError(errors.New("unplugged"))

	require.Error(t, mux.Command(1, "X"))
	require.Error(t, mux.Command(1, "X"))
	assert.Equal(t, "open", mux.BreakerState())

	port.SetWriteError(nil)
	err := mux.Command(1, "X")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}

func TestSerialMux_ConcurrentQueriesDoNotInterleave(t *testing.T) {
	port := NewFakeController(echoResponder)
	mux := NewSerialMux(port)

	var wg sync.WaitGroup
	for addr := 1; addr <= 4; addr++ {
		wg.Add(1)
		go func(addr int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				got, err := mux.Query(addr, "READ?")
				assert.NoError(t, err)
				assert.Equal(t, "READ@"+string(rune('0'+addr)), got)
			}
		}(addr)
	}
	wg.Wait()
}

func TestSerialMux_HistoryCap(t *testing.T) {
	port := NewFakeController(echoResponder)
	mux := NewSerialMux(port, WithHistory(3))
	for i := 0; i < 5; i++ {
		require.NoError(t, mux.Command(1, "CMD"+string(rune('A'+i))))
	}
	hist := mux.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "CMDC", hist[0].Command)
	assert.Equal(t, "CMDE", hist[2].Command)
}

func TestSerialMux_Close(t *testing.T) {
	port := NewFakeController(echoResponder)
	mux := NewSerialMux(port)
	require.NoError(t, mux.Close())
	assert.True(t, port.Closed())
	_, err := mux.Query(1, "X?")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSerialMux_AdminRoutes(t *testing.T) {
	port := NewFakeController(echoResponder)
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	t.Run("query", func(t *testing.T) {
		form := url.Values{"addr": {"2"}, "command": {"VOLT?"}, "query": {"on"}}
		req := httptest.NewRequest(http.MethodPost, "/debug/gpib-send", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = "127.0.0.1:1234"
		w := httptest.NewRecorder()
		httpMux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "VOLT@2", w.Body.String())
	})

	t.Run("bad address", func(t *testing.T) {
		form := url.Values{"addr": {"99"}, "command": {"VOLT?"}}
		req := httptest.NewRequest(http.MethodPost, "/debug/gpib-send", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = "127.0.0.1:1234"
		w := httptest.NewRecorder()
		httpMux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug/gpib-send", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		w := httptest.NewRecorder()
		httpMux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("console", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug/gpib", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		w := httptest.NewRecorder()
		httpMux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "VOLT?")
	})
}
