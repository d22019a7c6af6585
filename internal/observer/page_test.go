package observer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citewatch/internal/types"
)

const profilePage = `<!doctype html>
<html><body>
<div id="gsc_rsb_cit">
  <table id="gsc_rsb_st">
    <thead><tr><th></th><th>All</th><th>Since 2021</th></tr></thead>
    <tbody>
      <tr><td>Citations</td><td class="gsc_rsb_std">1,234</td><td class="gsc_rsb_std">800</td></tr>
      <tr><td>h-index</td><td class="gsc_rsb_std">12</td><td class="gsc_rsb_std">9</td></tr>
    </tbody>
  </table>
</div>
</body></html>`

func TestExtractValue(t *testing.T) {
	tests := []struct {
		name    string
		page    string
		want    int64
		wantErr bool
	}{
		{name: "profile table", page: profilePage, want: 1234},
		{name: "zero", page: `<table id="gsc_rsb_st"><tr><td class="x gsc_rsb_std">0</td></tr></table>`, want: 0},
		{name: "missing table", page: `<table id="other"><tr><td class="gsc_rsb_std">5</td></tr></table>`, wantErr: true},
		{name: "missing cell", page: `<table id="gsc_rsb_st"><tr><td>5</td></tr></table>`, wantErr: true},
		{name: "not a number", page: `<table id="gsc_rsb_st"><tr><td class="gsc_rsb_std">n/a</td></tr></table>`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractValue(strings.NewReader(tt.page), DefaultTableID, DefaultCellClass)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPageObserver_Observe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/html", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(profilePage))
	}))
	defer srv.Close()

	obs := NewPageObserver(PageObserverConfig{URL: srv.URL})
	got, err := obs.Observe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1234), got.Value)
	assert.Equal(t, []byte(profilePage), got.Artifact)
	assert.Equal(t, "html", got.Ext)
	assert.Equal(t, "text", got.MediaType)
}

func TestPageObserver_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewPageObserver(PageObserverConfig{URL: srv.URL}).Observe(context.Background())
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeUpstreamObserve))
}

func TestPageObserver_ElementMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>captcha</body></html>"))
	}))
	defer srv.Close()

	_, err := NewPageObserver(PageObserverConfig{URL: srv.URL}).Observe(context.Background())
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeUpstreamObserve))
}
