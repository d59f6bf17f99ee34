package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/Brownie44l1/cloudai/internal/classifier"
	"github.com/Brownie44l1/cloudai/internal/events"
	"github.com/Brownie44l1/cloudai/internal/model"
	"github.com/Brownie44l1/cloudai/internal/predict"
	"github.com/Brownie44l1/cloudai/internal/session"
)

type fakeClassifier struct {
	result  predict.Result
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeClassifier) Classify(ctx context.Context, _ image.Image) (predict.Result, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.result, f.err
}

func (f *fakeClassifier) ClassifyRaw(context.Context, []float32) (predict.Result, error) {
	return f.result, f.err
}

func (f *fakeClassifier) Labels() []string { return []string{"Cumulus", "Cirrus"} }
func (f *fakeClassifier) InputLen() int    { return 12 }

type fixedState model.State

func (s fixedState) State() model.State { return model.State(s) }

var ranked = predict.Result{{Label: "Cirrus", Value: 75}, {Label: "Cumulus", Value: 25}}

func newTestHandler(c Classifier, state model.State) (*Handler, *events.Hub) {
	return newTestHandlerWith(c, state, Options{PreviewSize: 32})
}

func newTestHandlerWith(c Classifier, state model.State, opts Options) (*Handler, *events.Hub) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := events.NewHub(logger)
	h := NewHandler(c, fixedState(state), session.NewStore(time.Hour, logger), hub, opts, logger)
	return h, hub
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.NRGBA{R: 100, G: 150, B: 250, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, srv http.Handler, method, path string, body io.Reader, contentType string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(&fakeClassifier{}, model.StateLoading)
	rec := do(t, h.Routes(), http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["model"] != "loading" || body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestPredictFromImage(t *testing.T) {
	h, _ := newTestHandler(&fakeClassifier{result: ranked}, model.StateReady)
	body, ct := multipartBody(t, "image", "sky.png", pngBytes(t))

	rec := do(t, h.Routes(), http.MethodPost, "/predict/image", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var resp PredictionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Class != "Cirrus" || resp.Confidence != 75 {
		t.Errorf("class/confidence = %s/%v", resp.Class, resp.Confidence)
	}
	if diff := cmp.Diff(ranked, resp.Predictions); diff != "" {
		t.Errorf("predictions mismatch (-want +got):\n%s", diff)
	}
	if resp.File == nil || resp.File.Name != "sky.png" {
		t.Errorf("file = %+v", resp.File)
	}
}

func TestPredictFromImageErrors(t *testing.T) {
	const limit = 4 << 10
	cases := []struct {
		name      string
		c         *fakeClassifier
		field     string
		data      []byte
		truncated bool
		want      int
	}{
		{"not an image", &fakeClassifier{result: ranked}, "image", []byte("plain text upload"), false, http.StatusUnsupportedMediaType},
		{"wrong field", &fakeClassifier{result: ranked}, "file", nil, false, http.StatusBadRequest},
		{"too large", &fakeClassifier{result: ranked}, "image", bytes.Repeat([]byte{0x89}, limit+100), false, http.StatusRequestEntityTooLarge},
		{"undecodable png", &fakeClassifier{result: ranked}, "image", nil, true, http.StatusBadRequest},
		{"model loading", &fakeClassifier{err: model.ErrModelLoading}, "image", nil, false, http.StatusServiceUnavailable},
		{"model unavailable", &fakeClassifier{err: fmt.Errorf("%w: no such file", model.ErrModelLoadFailure)}, "image", nil, false, http.StatusServiceUnavailable},
		{"inference timeout", &fakeClassifier{err: fmt.Errorf("%w after 30s", classifier.ErrTimeout)}, "image", nil, false, http.StatusGatewayTimeout},
		{"shape mismatch", &fakeClassifier{err: predict.ErrShapeMismatch}, "image", nil, false, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := tc.data
			if data == nil {
				data = pngBytes(t)
			}
			if tc.truncated {
				// keeps the PNG signature so sniffing passes
				data = data[:len(data)/2]
			}
			h, _ := newTestHandlerWith(tc.c, model.StateReady, Options{UploadLimit: limit, PreviewSize: 32})
			body, ct := multipartBody(t, tc.field, "x.png", data)
			rec := do(t, h.Routes(), http.MethodPost, "/predict/image", body, ct)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body)
			}
		})
	}
}

func TestPredictRaw(t *testing.T) {
	h, _ := newTestHandler(&fakeClassifier{result: ranked}, model.StateReady)
	srv := h.Routes()

	rec := do(t, srv, http.MethodPost, "/predict", strings.NewReader(`{"image":[1,2,3]}`), "application/json")
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Expected 12 values, got 3") {
		t.Errorf("short input: status %d body %s", rec.Code, rec.Body)
	}

	rec = do(t, srv, http.MethodPost, "/predict", strings.NewReader(`{"image":[0,0,0,0,0,0,0,0,0,0,0,0]}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d body %s", rec.Code, rec.Body)
	}

	rec = do(t, srv, http.MethodPost, "/predict", strings.NewReader(`{`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d", rec.Code)
	}
}

func sessionCookieFrom(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func decodeState(t *testing.T, r io.Reader) session.ViewState {
	t.Helper()
	var st session.ViewState
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestSessionFlow(t *testing.T) {
	h, hub := newTestHandler(&fakeClassifier{result: ranked}, model.StateReady)
	srv := h.Routes()
	evs, cancel := hub.Subscribe()
	defer cancel()

	rec := do(t, srv, http.MethodGet, "/api/session", nil, "")
	cookie := sessionCookieFrom(t, rec)
	if st := decodeState(t, rec.Body); st.Status != session.StatusIdle {
		t.Fatalf("initial status = %s", st.Status)
	}

	rec = do(t, srv, http.MethodPost, "/api/session/classify", nil, "", cookie)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("classify without file: status = %d", rec.Code)
	}

	body, ct := multipartBody(t, "image", "sky.png", pngBytes(t))
	rec = do(t, srv, http.MethodPost, "/api/session/file", body, ct, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("select: status = %d body %s", rec.Code, rec.Body)
	}
	st := decodeState(t, rec.Body)
	if st.Status != session.StatusSelected || st.File == nil || !strings.HasPrefix(st.Preview, "data:image/png;base64,") {
		t.Fatalf("after select: %+v", st)
	}

	rec = do(t, srv, http.MethodPost, "/api/session/classify", nil, "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("classify: status = %d body %s", rec.Code, rec.Body)
	}
	st = decodeState(t, rec.Body)
	if st.Status != session.StatusSuccess {
		t.Errorf("status = %s, want success", st.Status)
	}
	if diff := cmp.Diff(ranked, st.Predictions); diff != "" {
		t.Errorf("predictions mismatch (-want +got):\n%s", diff)
	}
	select {
	case ev := <-evs:
		if ev.Type != events.TypePrediction || ev.Source != "upload" {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no prediction event published")
	}

	// an invalid file keeps the earlier predictions
	body, ct = multipartBody(t, "image", "notes.txt", []byte("hello there"))
	rec = do(t, srv, http.MethodPost, "/api/session/file", body, ct, cookie)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("invalid select: status = %d", rec.Code)
	}
	var rejected sessionError
	json.NewDecoder(rec.Body).Decode(&rejected)
	if rejected.State.Status != session.StatusError || rejected.State.File != nil || len(rejected.State.Predictions) != 2 {
		t.Errorf("after reject: %+v", rejected.State)
	}

	rec = do(t, srv, http.MethodDelete, "/api/session", nil, "", cookie)
	if st := decodeState(t, rec.Body); st.Status != session.StatusIdle || st.Predictions != nil {
		t.Errorf("after reset: %+v", st)
	}
}

func TestSessionRejectsOverlappingClassify(t *testing.T) {
	fc := &fakeClassifier{result: ranked, started: make(chan struct{}, 1), release: make(chan struct{})}
	h, _ := newTestHandler(fc, model.StateReady)
	srv := h.Routes()

	rec := do(t, srv, http.MethodGet, "/api/session", nil, "")
	cookie := sessionCookieFrom(t, rec)
	body, ct := multipartBody(t, "image", "sky.png", pngBytes(t))
	do(t, srv, http.MethodPost, "/api/session/file", body, ct, cookie)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- do(t, srv, http.MethodPost, "/api/session/classify", nil, "", cookie)
	}()
	<-fc.started

	rec = do(t, srv, http.MethodPost, "/api/session/classify", nil, "", cookie)
	if rec.Code != http.StatusConflict {
		t.Errorf("overlapping classify: status = %d, want 409", rec.Code)
	}
	body, ct = multipartBody(t, "image", "other.png", pngBytes(t))
	rec = do(t, srv, http.MethodPost, "/api/session/file", body, ct, cookie)
	if rec.Code != http.StatusConflict {
		t.Errorf("select while pending: status = %d, want 409", rec.Code)
	}

	close(fc.release)
	if rec := <-first; rec.Code != http.StatusOK {
		t.Errorf("first classify: status = %d body %s", rec.Code, rec.Body)
	}
}

func TestEventsWebSocket(t *testing.T) {
	h, hub := newTestHandler(&fakeClassifier{}, model.StateReady)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello events.Event
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != events.TypeModel || hello.Model != "ready" {
		t.Errorf("hello = %+v", hello)
	}

	// the subscription is registered before the hello is written
	hub.Publish(events.Event{Type: events.TypeError, Message: "file is not an image"})
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != events.TypeError || ev.Message != "file is not an image" {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventsScopedToSession(t *testing.T) {
	h, hub := newTestHandler(&fakeClassifier{}, model.StateReady)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Cookie": []string{sessionCookie + "=mine"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello events.Event
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}

	hub.Publish(events.Event{Type: events.TypePrediction, Session: "theirs", Message: "theirs"})
	hub.Publish(events.Event{Type: events.TypePrediction, Session: "mine", Message: "mine"})
	hub.Publish(events.Event{Type: events.TypeModel, Model: "ready"})

	var got []string
	for i := 0; i < 2; i++ {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		got = append(got, string(ev.Type)+":"+ev.Message)
	}
	if diff := cmp.Diff([]string{"prediction:mine", "model:"}, got); diff != "" {
		t.Errorf("delivered events mismatch (-want +got):\n%s", diff)
	}
}

func TestPredictFromImagePublishesOnlyWithSession(t *testing.T) {
	h, hub := newTestHandler(&fakeClassifier{result: ranked}, model.StateReady)
	srv := h.Routes()
	evs, cancel := hub.Subscribe()
	defer cancel()

	body, ct := multipartBody(t, "image", "sky.png", pngBytes(t))
	if rec := do(t, srv, http.MethodPost, "/predict/image", body, ct); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case ev := <-evs:
		t.Fatalf("sessionless upload published %+v", ev)
	default:
	}

	body, ct = multipartBody(t, "image", "sky.png", pngBytes(t))
	cookie := &http.Cookie{Name: sessionCookie, Value: "abc"}
	if rec := do(t, srv, http.MethodPost, "/predict/image", body, ct, cookie); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case ev := <-evs:
		if ev.Session != "abc" || ev.Type != events.TypePrediction {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no event for upload with session")
	}
}
