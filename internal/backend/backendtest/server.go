// Package backendtest runs an in-process fake of the legal Q&A backend for
// tests. It keeps sessions and messages in memory and counts requests per
// route.
package backendtest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/jwulff/consulta/internal/backend"
	"github.com/jwulff/consulta/internal/domain"
)

// Route keys accepted by Count, Fail and Delay.
const (
	RouteCreateSession = "POST /chat/sessions"
	RouteListSessions  = "GET /chat/sessions"
	RouteDeleteSession = "DELETE /chat/sessions/:id"
	RouteRenameSession = "PUT /chat/sessions/:id/title"
	RouteListMessages  = "GET /chat/sessions/:id/messages"
	RouteAddMessage    = "POST /chat/sessions/:id/messages"
	RoutePatchMessage  = "PATCH /chat/sessions/:id/messages/:mid"
	RouteQuery         = "POST /rag/query"
	RouteSuggestions   = "GET /rag/suggestions"
	RouteHealth        = "GET /rag/health"
	RouteSpeechToText  = "POST /voice/speech-to-text"
	RouteTextToSpeech  = "POST /voice/text-to-speech"
	RouteVoiceQuery    = "POST /voice/voice-query"
	RouteAudio         = "GET /voice/audio/:file"
	RouteUpload        = "POST /documents/upload"
)

// DefaultTitle is the title given to sessions created without one.
const DefaultTitle = domain.DefaultSessionTitle

const naiveLayout = "2006-01-02T15:04:05.000000"

// Server is a fake backend listening on a local httptest server.
type Server struct {
	URL string

	e  *echo.Echo
	ts *httptest.Server

	mu        sync.Mutex
	sessions  map[string]*backend.SessionJSON
	messages  map[string][]backend.MessageJSON
	counts    map[string]int
	failures  map[string]int
	delays    map[string]time.Duration
	lastClock time.Time

	answerFn   func(query string) string
	transcript string
	audioBody  []byte
	speechDown bool
	lastQuery  backend.QueryRequestJSON
	lastForm   map[string]string
}

// New starts a fake backend. It is closed when the test finishes.
func New(t interface {
	Cleanup(func())
}) *Server {
	s := &Server{
		sessions:   make(map[string]*backend.SessionJSON),
		messages:   make(map[string][]backend.MessageJSON),
		counts:     make(map[string]int),
		failures:   make(map[string]int),
		delays:     make(map[string]time.Duration),
		transcript: "¿Cómo constituyo una SAS?",
		audioBody:  []byte("RIFF"),
		lastForm:   make(map[string]string),
	}
	s.e = echo.New()
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(s.track)
	s.routes()
	s.ts = httptest.NewServer(s.e)
	s.URL = s.ts.URL
	t.Cleanup(s.Close)
	return s
}

// Close shuts the server down.
func (s *Server) Close() { s.ts.Close() }

// Count returns how many requests hit route.
func (s *Server) Count(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[route]
}

// Fail makes route answer with status until cleared with status 0.
func (s *Server) Fail(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, route)
		return
	}
	s.failures[route] = status
}

// Delay makes route wait d (or until the request is cancelled) before answering.
func (s *Server) Delay(route string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[route] = d
}

// SetAnswer overrides the response text built for a query. The default
// echoes the question.
func (s *Server) SetAnswer(fn func(query string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answerFn = fn
}

// SetTranscript sets the text returned by speech-to-text and voice-query.
func (s *Server) SetTranscript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = text
}

// SetAudio sets the bytes served from the audio download route.
func (s *Server) SetAudio(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioBody = append([]byte(nil), b...)
}

// SetSpeechDown makes voice-query answer audio-mode requests without an
// audioUrl, as the backend does when synthesis fails.
func (s *Server) SetSpeechDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speechDown = down
}

// LastQuery returns the most recent query body.
func (s *Server) LastQuery() backend.QueryRequestJSON {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery
}

// LastForm returns the non-file fields of the most recent form request.
// File parts appear as "<field>.filename" and "<field>.content_type".
func (s *Server) LastForm() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.lastForm))
	for k, v := range s.lastForm {
		out[k] = v
	}
	return out
}

// Messages returns the stored messages of a session.
func (s *Server) Messages(sessionID string) []backend.MessageJSON {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.MessageJSON(nil), s.messages[sessionID]...)
}

// Session returns the stored session, if any.
func (s *Server) Session(id string) (backend.SessionJSON, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return backend.SessionJSON{}, false
	}
	return *sess, true
}

func (s *Server) routes() {
	s.e.POST("/chat/sessions", s.createSession)
	s.e.GET("/chat/sessions", s.listSessions)
	s.e.DELETE("/chat/sessions/:id", s.deleteSession)
	s.e.PUT("/chat/sessions/:id/title", s.renameSession)
	s.e.GET("/chat/sessions/:id/messages", s.listMessages)
	s.e.POST("/chat/sessions/:id/messages", s.addMessage)
	s.e.PATCH("/chat/sessions/:id/messages/:mid", s.patchMessage)
	s.e.POST("/rag/query", s.query)
	s.e.GET("/rag/suggestions", s.suggestions)
	s.e.GET("/rag/health", s.health)
	s.e.POST("/voice/speech-to-text", s.speechToText)
	s.e.POST("/voice/text-to-speech", s.textToSpeech)
	s.e.POST("/voice/voice-query", s.voiceQuery)
	s.e.GET("/voice/audio/:file", s.audio)
	s.e.POST("/documents/upload", s.upload)
}

func (s *Server) track(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		route := c.Request().Method + " " + c.Path()
		s.mu.Lock()
		s.counts[route]++
		status := s.failures[route]
		delay := s.delays[route]
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.Request().Context().Done():
				return c.Request().Context().Err()
			}
		}
		if status != 0 {
			return c.JSON(status, map[string]string{"detail": fmt.Sprintf("injected failure on %s", route)})
		}
		return next(c)
	}
}

// now returns a strictly increasing naive timestamp.
func (s *Server) now() string {
	t := time.Now()
	if !t.After(s.lastClock) {
		t = s.lastClock.Add(time.Microsecond)
	}
	s.lastClock = t
	return t.Format(naiveLayout)
}

func notFound(c echo.Context, what string) error {
	return c.JSON(http.StatusNotFound, map[string]string{"detail": what + " no encontrada"})
}

func (s *Server) createSession(c echo.Context) error {
	var req backend.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "invalid request body"})
	}
	title := req.Title
	if title == "" {
		title = DefaultTitle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now()
	sess := &backend.SessionJSON{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: ts,
		UpdatedAt: ts,
		UserID:    backend.DefaultUserID,
	}
	s.sessions[sess.ID] = sess
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) listSessions(c echo.Context) error {
	s.mu.Lock()
	out := make([]backend.SessionJSON, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return c.JSON(http.StatusOK, out)
}

func (s *Server) deleteSession(c echo.Context) error {
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return notFound(c, "Sesión")
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return c.JSON(http.StatusOK, map[string]string{"message": "Sesión eliminada exitosamente"})
}

func (s *Server) renameSession(c echo.Context) error {
	id := c.Param("id")
	title := c.QueryParam("title")
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return notFound(c, "Sesión")
	}
	sess.Title = title
	sess.UpdatedAt = s.now()
	return c.JSON(http.StatusOK, map[string]string{"message": "Título actualizado exitosamente"})
}

func (s *Server) listMessages(c echo.Context) error {
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return notFound(c, "Sesión")
	}
	out := append([]backend.MessageJSON{}, s.messages[id]...)
	return c.JSON(http.StatusOK, out)
}

func (s *Server) addMessage(c echo.Context) error {
	id := c.Param("id")
	var req backend.AddMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "invalid request body"})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return notFound(c, "Sesión")
	}
	content := req.Content
	msg := backend.MessageJSON{
		ID:         uuid.NewString(),
		Type:       req.Type,
		Content:    &content,
		Timestamp:  s.now(),
		Sources:    req.Sources,
		Confidence: req.Confidence,
	}
	if req.AudioURL != "" {
		msg.AudioURL = &req.AudioURL
	}
	if req.Transcription != "" {
		msg.Transcription = &req.Transcription
	}
	if req.Area != "" {
		msg.Area = &req.Area
	}
	s.messages[id] = append(s.messages[id], msg)
	sess.MessageCount = len(s.messages[id])
	sess.UpdatedAt = msg.Timestamp
	if req.Type == "user" && sess.Title == DefaultTitle && content != "" {
		sess.Title = domain.TitleFromContent(content)
	}
	return c.JSON(http.StatusOK, msg)
}

func (s *Server) patchMessage(c echo.Context) error {
	id, mid := c.Param("id"), c.Param("mid")
	var req backend.PatchMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "invalid request body"})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[id]
	for i := range msgs {
		if msgs[i].ID != mid {
			continue
		}
		m := &msgs[i]
		if req.Content != nil {
			v := *req.Content
			m.Content = &v
		}
		if req.AudioURL != nil {
			v := *req.AudioURL
			m.AudioURL = &v
		}
		if req.Transcription != nil {
			v := *req.Transcription
			m.Transcription = &v
		}
		if req.Sources != nil {
			m.Sources = req.Sources
		}
		if req.Confidence != nil {
			v := *req.Confidence
			m.Confidence = &v
		}
		if req.Area != nil {
			v := *req.Area
			m.Area = &v
		}
		return c.JSON(http.StatusOK, *m)
	}
	return notFound(c, "Mensaje")
}

func (s *Server) answer(query string) string {
	if s.answerFn != nil {
		return s.answerFn(query)
	}
	return "Respuesta legal sobre: " + query
}

func (s *Server) result(query, audioURL, transcription string) backend.QueryResponseJSON {
	resp := s.answer(query)
	out := backend.QueryResponseJSON{
		ID:         uuid.NewString(),
		Response:   &resp,
		Confidence: 0.85,
		Area:       "general",
		Sources: []backend.SourceJSON{
			{Title: "Ley 1258 de 2008", Content: "Sociedad por acciones simplificada", Relevance: 0.9},
		},
		RelatedQuestions: []string{"¿Qué documentos necesito?"},
		Metadata: backend.QueryMetadataJSON{
			ProcessingTime: 120,
			SourceCount:    1,
			Timestamp:      time.Now().Format(naiveLayout),
			Transcription:  transcription,
		},
	}
	if audioURL != "" {
		out.AudioURL = &audioURL
	}
	return out
}

func (s *Server) query(c echo.Context) error {
	var req backend.QueryRequestJSON
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "invalid request body"})
	}
	if len([]rune(strings.TrimSpace(req.Query))) < 4 {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "La pregunta debe tener al menos 4 caracteres"})
	}
	s.mu.Lock()
	s.lastQuery = req
	answer := s.result(req.Query, "", "")
	s.mu.Unlock()
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) suggestions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"suggestions": []map[string]any{
			{"category": "Derecho Comercial", "queries": []string{"¿Cómo constituyo una SAS?"}},
			{"category": "Derecho Laboral", "queries": []string{"¿Cuánto es la liquidación?"}},
		},
		"total_categories": 2,
		"message":          "Sugerencias de consultas legales",
	})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, backend.HealthResponse{Status: "healthy", Message: "ok"})
}

// readForm records non-file fields and returns the audio_file size.
func (s *Server) readForm(c echo.Context, fileField string) (int64, error) {
	mf, err := c.MultipartForm()
	if err != nil {
		return 0, err
	}
	fields := make(map[string]string)
	for k, v := range mf.Value {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	var size int64
	if files := mf.File[fileField]; len(files) > 0 {
		fields[fileField+".filename"] = files[0].Filename
		fields[fileField+".content_type"] = files[0].Header.Get("Content-Type")
		size = files[0].Size
	}
	s.mu.Lock()
	s.lastForm = fields
	s.mu.Unlock()
	return size, nil
}

func (s *Server) speechToText(c echo.Context) error {
	size, err := s.readForm(c, "audio_file")
	if err != nil || size == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "Archivo de audio requerido"})
	}
	s.mu.Lock()
	text := s.transcript
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]any{
		"transcription": map[string]any{
			"text":       text,
			"language":   c.FormValue("language"),
			"confidence": 0.93,
		},
		"ready_for_query": true,
	})
}

func (s *Server) textToSpeech(c echo.Context) error {
	text := c.FormValue("text")
	if text == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "Texto requerido"})
	}
	format := c.FormValue("output_format")
	s.mu.Lock()
	s.lastForm = map[string]string{
		"text":          text,
		"voice_style":   c.FormValue("voice_style"),
		"output_format": format,
	}
	s.mu.Unlock()
	id := uuid.NewString()
	return c.JSON(http.StatusOK, map[string]any{
		"audio_info":   map[string]string{"audio_id": id, "format": format},
		"download_url": "/voice/audio/" + id + "." + format,
		"message":      "Audio generado exitosamente",
	})
}

func (s *Server) voiceQuery(c echo.Context) error {
	size, err := s.readForm(c, "audio_file")
	if err != nil || size == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "Archivo de audio requerido"})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.transcript
	var audioURL string
	if s.lastForm["response_mode"] == "audio" && !s.speechDown {
		audioURL = "/voice/audio/" + uuid.NewString() + ".mp3"
	}
	return c.JSON(http.StatusOK, s.result(text, audioURL, text))
}

func (s *Server) audio(c echo.Context) error {
	s.mu.Lock()
	body := append([]byte(nil), s.audioBody...)
	s.mu.Unlock()
	ct := "audio/mpeg"
	if strings.HasSuffix(c.Param("file"), ".wav") {
		ct = "audio/wav"
	}
	return c.Blob(http.StatusOK, ct, body)
}

func (s *Server) upload(c echo.Context) error {
	if _, err := s.readForm(c, "file"); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "Archivo requerido"})
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "Archivo requerido"})
	}
	f, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"detail": err.Error()})
	}
	defer f.Close()
	n, _ := io.Copy(io.Discard, f)
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"document": map[string]any{
			"id":               uuid.NewString(),
			"filename":         fh.Filename,
			"file_size":        n,
			"content_type":     fh.Header.Get("Content-Type"),
			"upload_timestamp": time.Now().Format(naiveLayout),
			"status":           "uploaded",
		},
		"message": "Documento subido exitosamente",
	})
}
