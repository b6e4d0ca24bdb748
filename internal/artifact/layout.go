package artifact

import (
	"path"
	"strings"

	"github.com/angelmondragon/immsbatch/pkg/config"
)

// Layout names every object the pipeline reads or writes.
type Layout struct {
	SourceBucket  string
	AckBucket     string
	TempPrefix    string
	FinalPrefix   string
	FailurePrefix string
	ArchivePrefix string
}

// NewLayout resolves buckets from the artifact config, falling back to the GCS settings.
func NewLayout(cfg *config.Config) Layout {
	source := firstNonEmpty(cfg.Artifacts.SourceBucket, cfg.GCS.SourceBucket)
	ack := firstNonEmpty(cfg.Artifacts.AckBucket, cfg.GCS.AckBucket, source)
	return Layout{
		SourceBucket:  source,
		AckBucket:     ack,
		TempPrefix:    cfg.Ack.TempPrefix,
		FinalPrefix:   cfg.Ack.FinalPrefix,
		FailurePrefix: cfg.Ack.FailurePrefix,
		ArchivePrefix: cfg.Ack.ArchivePrefix,
	}
}

// AckName is "{name_without_ext}_InfAck_{created_at}.csv" for the source file's base name.
func AckName(fileKey, createdAt string) string {
	base := path.Base(fileKey)
	base = strings.TrimSuffix(base, path.Ext(base))
	return base + "_InfAck_" + createdAt + ".csv"
}

// TempKey is where rows accumulate while the file is in flight.
func (l Layout) TempKey(fileKey, createdAt string) string {
	return l.TempPrefix + AckName(fileKey, createdAt)
}

// FinalKey is the promoted acknowledgement location.
func (l Layout) FinalKey(fileKey, createdAt string) string {
	return l.FinalPrefix + AckName(fileKey, createdAt)
}

// FailureKey holds file-level failure acknowledgements.
func (l Layout) FailureKey(fileKey, createdAt string) string {
	return l.FailurePrefix + AckName(fileKey, createdAt)
}

// ArchiveKey is where the processed source file is moved.
func (l Layout) ArchiveKey(fileKey string) string {
	return l.ArchivePrefix + path.Base(fileKey)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
