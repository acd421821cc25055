package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/pkg/models"
)

// Voice notes ride the existing primitives: audio lands in the blob pool and
// a metadata.tag event on the session references it. Deleting tombstones the
// tag and releases the blob reference.

const voiceNoteKind = "voice_note"

type voiceNote struct {
	EventID   string    `json:"eventId"`
	SessionID string    `json:"sessionId"`
	BlobID    string    `json:"blobId"`
	Label     string    `json:"label,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) rpcVoiceNoteSave(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
		Label     string `json:"label"`
		MimeType  string `json:"mimeType"`
		// Audio is base64-encoded payload bytes.
		Audio string `json:"audio"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Audio == "" {
		return nil, rpcErrorf(CodeInvalidParams, "audio required")
	}
	data, err := base64.StdEncoding.DecodeString(params.Audio)
	if err != nil {
		return nil, rpcErrorf(CodeInvalidParams, "audio is not valid base64: %v", err)
	}
	if _, err := s.manager.Resume(ctx, params.SessionID); err != nil {
		return nil, err
	}

	mime := params.MimeType
	if mime == "" {
		mime = "audio/webm"
	}
	blob, err := s.store.CreateBlob(ctx, data, mime)
	if err != nil {
		return nil, err
	}
	ev, err := s.store.Append(ctx, models.EventInput{
		SessionID: params.SessionID,
		Type:      models.EventMetadataTag,
		Payload: mustJSON(map[string]any{
			"kind":      voiceNoteKind,
			"blob_id":   blob.ID,
			"label":     params.Label,
			"mime_type": mime,
			"size":      blob.OriginalSize,
		}),
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.EventEnvelope(ev))
	return map[string]any{"eventId": ev.ID, "blobId": blob.ID}, nil
}

func (s *Server) rpcVoiceNoteList(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if _, err := s.manager.Resume(ctx, params.SessionID); err != nil {
		return nil, err
	}
	notes, err := s.listVoiceNotes(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"voiceNotes": notes}, nil
}

func (s *Server) rpcVoiceNoteDelete(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
		EventID   string `json:"eventId"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	notes, err := s.listVoiceNotes(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	var target *voiceNote
	for _, note := range notes {
		if note.EventID == params.EventID {
			target = note
			break
		}
	}
	if target == nil {
		return nil, rpcErrorf(CodeEventNotFound, "voice note %s not found", params.EventID)
	}

	ev, err := s.store.Append(ctx, models.EventInput{
		SessionID: params.SessionID,
		Type:      models.EventMetadataUpdate,
		Payload: mustJSON(map[string]any{
			"kind":             voiceNoteKind,
			"deleted_event_id": target.EventID,
		}),
	})
	if err != nil {
		return nil, err
	}
	_ = s.store.ReleaseBlob(ctx, target.BlobID)
	s.bus.Publish(bus.EventEnvelope(ev))
	return map[string]any{"deleted": true}, nil
}

// listVoiceNotes replays the session's tag events minus deletions.
func (s *Server) listVoiceNotes(ctx context.Context, sessionID string) ([]*voiceNote, error) {
	events, err := s.store.EventsBySession(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}

	deleted := map[string]bool{}
	for _, ev := range events {
		if ev.Type != models.EventMetadataUpdate {
			continue
		}
		var body struct {
			Kind           string `json:"kind"`
			DeletedEventID string `json:"deleted_event_id"`
		}
		if json.Unmarshal(ev.Payload, &body) == nil && body.Kind == voiceNoteKind && body.DeletedEventID != "" {
			deleted[body.DeletedEventID] = true
		}
	}

	var notes []*voiceNote
	for _, ev := range events {
		if ev.Type != models.EventMetadataTag || deleted[ev.ID] {
			continue
		}
		var body struct {
			Kind     string `json:"kind"`
			BlobID   string `json:"blob_id"`
			Label    string `json:"label"`
			MimeType string `json:"mime_type"`
			Size     int64  `json:"size"`
		}
		if json.Unmarshal(ev.Payload, &body) != nil || body.Kind != voiceNoteKind {
			continue
		}
		notes = append(notes, &voiceNote{
			EventID:   ev.ID,
			SessionID: sessionID,
			BlobID:    body.BlobID,
			Label:     body.Label,
			MimeType:  body.MimeType,
			Size:      body.Size,
			CreatedAt: ev.Timestamp,
		})
	}
	return notes, nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
