package admission

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/angelmondragon/immsbatch/internal/filekey"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
)

const (
	objectFinalizeEvent  = "OBJECT_FINALIZE"
	payloadFormatJSONAPI = "JSON_API_V1"
)

// FileEvent is a finalized object in the source bucket.
type FileEvent struct {
	Bucket     string
	FileKey    string
	Generation string
	CreatedAt  time.Time
}

type gcsAttributes struct {
	EventType     string
	BucketID      string
	ObjectID      string
	PayloadFormat string
}

func parseAttributes(attrs map[string]string) gcsAttributes {
	return gcsAttributes{
		EventType:     attrs["eventType"],
		BucketID:      attrs["bucketId"],
		ObjectID:      attrs["objectId"],
		PayloadFormat: attrs["payloadFormat"],
	}
}

type gcsPayload struct {
	Name        string `json:"name"`
	Bucket      string `json:"bucket"`
	Generation  string `json:"generation"`
	TimeCreated string `json:"timeCreated"`
}

func decodePayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("payload empty")
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(data)); err == nil {
		return decoded, nil
	}
	return data, nil
}

// parseFileEvent turns a JSON_API_V1 object notification into a FileEvent.
func parseFileEvent(attrs gcsAttributes, data []byte) (FileEvent, error) {
	payload, err := decodePayload(data)
	if err != nil {
		return FileEvent{}, err
	}
	var gcs gcsPayload
	if err := json.Unmarshal(payload, &gcs); err != nil {
		return FileEvent{}, fmt.Errorf("unmarshal object notification: %w", err)
	}
	if strings.TrimSpace(gcs.Name) == "" {
		return FileEvent{}, fmt.Errorf("object notification missing name")
	}
	created := time.Now().UTC()
	if gcs.TimeCreated != "" {
		parsed, err := time.Parse(time.RFC3339Nano, gcs.TimeCreated)
		if err != nil {
			return FileEvent{}, fmt.Errorf("parse timeCreated: %w", err)
		}
		created = parsed
	}
	return FileEvent{
		Bucket:     firstNonEmpty(gcs.Bucket, attrs.BucketID),
		FileKey:    gcs.Name,
		Generation: gcs.Generation,
		CreatedAt:  created,
	}, nil
}

// Message is the body published to the admission topic. Its ordering key is the queue name.
type Message struct {
	Bucket      string   `json:"bucket"`
	FileKey     string   `json:"file_key"`
	Filename    string   `json:"filename"`
	Generation  string   `json:"generation"`
	CreatedAt   string   `json:"created_at"`
	Supplier    string   `json:"supplier"`
	VaccineType string   `json:"vaccine_type"`
	ODSCode     string   `json:"ods_code"`
	Permissions []string `json:"permissions"`
}

// NewMessage serializes a validated file for the admission topic.
func NewMessage(f FileAdmission) Message {
	perms := make([]string, 0, len(f.Identity.Permissions))
	for _, p := range f.Identity.Permissions {
		perms = append(perms, string(p))
	}
	return Message{
		Bucket:      f.Identity.Bucket,
		FileKey:     f.Identity.FileKey,
		Filename:    f.Identity.Filename,
		Generation:  f.Generation,
		CreatedAt:   f.Identity.CreatedAt,
		Supplier:    f.Identity.Supplier,
		VaccineType: f.Identity.VaccineType,
		ODSCode:     f.Identity.ODSCode,
		Permissions: perms,
	}
}

// DecodeMessage parses an admission topic body.
func DecodeMessage(data []byte) (FileAdmission, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return FileAdmission{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode admission message")
	}
	if m.Bucket == "" || m.FileKey == "" || m.Supplier == "" || m.VaccineType == "" || m.CreatedAt == "" {
		return FileAdmission{}, pkgerrors.New(pkgerrors.CodeValidation, "admission message missing file identity")
	}
	identity := filekey.FileIdentity{
		Bucket:      m.Bucket,
		FileKey:     m.FileKey,
		Filename:    m.Filename,
		VaccineType: m.VaccineType,
		Supplier:    m.Supplier,
		ODSCode:     m.ODSCode,
		CreatedAt:   m.CreatedAt,
	}
	if identity.Filename == "" {
		identity.Filename = path.Base(m.FileKey)
	}
	for _, p := range m.Permissions {
		op, err := enums.ParseOperation(p)
		if err != nil {
			return FileAdmission{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "admission message permissions")
		}
		identity.Permissions = append(identity.Permissions, op)
	}
	return FileAdmission{Identity: identity, Generation: m.Generation}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
