package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/wegent/wegent/pkg/api/v1"
)

// pngHeader is enough of a PNG for content sniffing to identify it.
var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngHeader)
	})
	mux.HandleFunc("/sniffed", func(w http.ResponseWriter, r *http.Request) {
		// Wrong declared type, real image bytes.
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pngHeader)
	})
	mux.HandleFunc("/text", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>nope</html>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func validate(t *testing.T, task *v1.TaskData) map[string]interface{} {
	t.Helper()
	e := NewImageValidator(newTestLogger(t))
	sink := &collectSink{}
	require.NoError(t, e.Execute(context.Background(), task, sink))
	require.NotEmpty(t, sink.events)
	res := sink.events[len(sink.events)-1].Result
	require.NotNil(t, res)
	return res.Data
}

func TestImageValidatorAllValid(t *testing.T) {
	srv := imageServer(t)
	data := validate(t, &v1.TaskData{
		TaskID: 1,
		Type:   v1.TaskTypeValidation,
		Metadata: map[string]interface{}{
			"image_urls": []interface{}{srv.URL + "/ok.png", srv.URL + "/sniffed"},
		},
	})
	assert.Equal(t, true, data["valid"])
	assert.Contains(t, data["details"], "validated 2 image(s)")
}

func TestImageValidatorRejectsNonImage(t *testing.T) {
	srv := imageServer(t)
	data := validate(t, &v1.TaskData{
		TaskID: 1,
		Metadata: map[string]interface{}{
			"image_urls": []interface{}{srv.URL + "/ok.png", srv.URL + "/text"},
		},
	})
	assert.Equal(t, false, data["valid"])
	assert.Contains(t, data["details"], "not an image")
}

func TestImageValidatorRejectsMissing(t *testing.T) {
	srv := imageServer(t)
	data := validate(t, &v1.TaskData{
		TaskID:   1,
		Metadata: map[string]interface{}{"image_url": srv.URL + "/gone.png"},
	})
	assert.Equal(t, false, data["valid"])
	assert.Contains(t, data["details"], "status 404")
}

func TestImageValidatorFallsBackToPrompt(t *testing.T) {
	srv := imageServer(t)
	data := validate(t, &v1.TaskData{
		TaskID: 1,
		Prompt: "please check " + srv.URL + "/ok.png for me",
	})
	assert.Equal(t, true, data["valid"])
}

func TestImageValidatorNoURLs(t *testing.T) {
	data := validate(t, &v1.TaskData{TaskID: 1, Prompt: "nothing to see"})
	assert.Equal(t, false, data["valid"])
	assert.Equal(t, "no image URLs to validate", data["details"])
}
