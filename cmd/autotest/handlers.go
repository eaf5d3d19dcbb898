package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omegaup/autotest/autotest"
	"github.com/omegaup/autotest/broadcaster"
	"github.com/omegaup/autotest/common"
)

const maxRequestBody = 1 << 20

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"com.omegaup.autotest.events"},
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// defaultDeliverableSource resolves the deliverable of pushes that do not
// name one.
type defaultDeliverableSource interface {
	GetDefaultDeliverableID(ctx context.Context, courseID, commitURL string) (string, error)
}

// courseHandler serves the endpoints of all the course schedulers.
type courseHandler struct {
	ctx        *common.Context
	schedulers map[string]*autotest.AutoTest
	portal     defaultDeliverableSource
	store      autotest.DataStore
}

func (h *courseHandler) scheduler(w http.ResponseWriter, r *http.Request) (*autotest.AutoTest, bool) {
	courseID := r.PathValue("course")
	a, ok := h.schedulers[courseID]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown course %q", courseID), http.StatusNotFound)
		return nil, false
	}
	return a, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}

func (h *courseHandler) handlePush(w http.ResponseWriter, r *http.Request) {
	a, ok := h.scheduler(w, r)
	if !ok {
		return
	}
	var job common.JobInput
	if !decodeBody(w, r, &job) {
		return
	}
	job.CourseID = a.CourseID()
	if job.DeliverableID == "" {
		deliverableID, err := h.portal.GetDefaultDeliverableID(r.Context(), job.CourseID, job.PushInfo.CommitURL)
		if err != nil {
			h.ctx.Log.Error("failed to resolve default deliverable", "course", job.CourseID, "err", err)
			http.Error(w, "could not resolve the deliverable", http.StatusInternalServerError)
			return
		}
		job.DeliverableID = deliverableID
	}
	if job.PushInfo.Timestamp.IsZero() {
		job.PushInfo.Timestamp = time.Now()
	}
	if err := job.Validate(); err != nil {
		http.Error(w, fmt.Sprintf("invalid push: %v", err), http.StatusBadRequest)
		return
	}
	if err := a.HandlePushEvent(r.Context(), &job); err != nil {
		h.ctx.Log.Error("failed to handle push", "job", &job, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"courseId": job.CourseID,
		"delivId":  job.DeliverableID,
		"queued":   a.IsOnQueue(job.PushInfo.CommitURL, job.DeliverableID),
	})
}

func (h *courseHandler) handleComment(w http.ResponseWriter, r *http.Request) {
	a, ok := h.scheduler(w, r)
	if !ok {
		return
	}
	var comment common.CommentEvent
	if !decodeBody(w, r, &comment) {
		return
	}
	comment.CourseID = a.CourseID()
	if comment.CommitURL == "" {
		http.Error(w, "invalid comment: missing commitURL", http.StatusBadRequest)
		return
	}
	if err := a.HandleCommentEvent(r.Context(), &comment); err != nil {
		h.ctx.Log.Error("failed to handle comment", "commit", comment.CommitURL, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"courseId": comment.CourseID,
		"delivId":  comment.DeliverableID,
	})
}

type regressionRequest struct {
	CommitURL     string `json:"commitURL"`
	DeliverableID string `json:"delivId"`
}

func (h *courseHandler) handleRegression(w http.ResponseWriter, r *http.Request) {
	a, ok := h.scheduler(w, r)
	if !ok {
		return
	}
	var request regressionRequest
	if !decodeBody(w, r, &request) {
		return
	}
	if request.CommitURL == "" || request.DeliverableID == "" {
		http.Error(w, "commitURL and delivId are required", http.StatusBadRequest)
		return
	}
	push, err := h.store.GetPushRecord(r.Context(), request.CommitURL)
	if err != nil {
		h.ctx.Log.Error("failed to get push record", "commit", request.CommitURL, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if push == nil {
		http.Error(w, "unknown commit", http.StatusNotFound)
		return
	}
	added, err := a.AddRegressionJob(&common.JobInput{
		CourseID:      a.CourseID(),
		DeliverableID: request.DeliverableID,
		PushInfo:      push.PushInfo,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.Tick()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"added": added,
	})
}

func (h *courseHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	a, ok := h.scheduler(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.Status())
}

func (h *courseHandler) handleCourses(w http.ResponseWriter, r *http.Request) {
	courses := make([]string, 0, len(h.schedulers))
	for courseID := range h.schedulers {
		courses = append(courses, courseID)
	}
	sort.Strings(courses)
	writeJSON(w, http.StatusOK, courses)
}

func eventsHandler(ctx *common.Context, b *broadcaster.Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("filter")
		if filter == "" {
			filter = "/all-events"
		}
		var transport broadcaster.Transport
		if common.AcceptsMimeType(r, "text/event-stream") {
			transport = broadcaster.NewSSETransport(w, r)
		} else {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				ctx.Log.Error("Failed to upgrade connection", "err", err)
				return
			}
			defer conn.Close()

			transport = broadcaster.NewWebSocketTransport(
				conn,
				time.Duration(ctx.Config.Broadcaster.WriteDeadline),
			)
		}

		subscriber, err := broadcaster.NewSubscriber(ctx, filter, transport)
		if err != nil {
			ctx.Log.Error("Failed to create subscriber", "filter", filter, "err", err)
			if _, ok := transport.(*broadcaster.SSETransport); ok {
				http.Error(w, err.Error(), http.StatusBadRequest)
			}
			return
		}
		if !b.Subscribe(subscriber) {
			if _, ok := transport.(*broadcaster.SSETransport); ok {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			return
		}
		defer b.Unsubscribe(subscriber)

		subscriber.Run()
	}
}

func registerHandlers(
	ctx *common.Context,
	mux *http.ServeMux,
	schedulers map[string]*autotest.AutoTest,
	portal defaultDeliverableSource,
	store autotest.DataStore,
	b *broadcaster.Broadcaster,
) {
	h := &courseHandler{
		ctx:        ctx,
		schedulers: schedulers,
		portal:     portal,
		store:      store,
	}
	mux.HandleFunc("GET /autotest/{$}", h.handleCourses)
	mux.HandleFunc("POST /autotest/{course}/push", h.handlePush)
	mux.HandleFunc("POST /autotest/{course}/comment", h.handleComment)
	mux.HandleFunc("POST /autotest/{course}/regression", h.handleRegression)
	mux.HandleFunc("GET /autotest/{course}/status", h.handleStatus)
	mux.HandleFunc("GET /events/", eventsHandler(ctx, b))
	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
