// Package artifact derives the on-disk layout for every file a cartoonization
// job produces. Paths are a pure function of the job id and the artifact role,
// so concurrent jobs never share a file and no stage has to pass paths to the
// next one through side channels.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Role identifies what an artifact is within a job.
type Role string

const (
	RoleRawUpload     Role = "raw_upload"
	RoleResizedVideo  Role = "resized_video"
	RoleAudioTrack    Role = "audio_track"
	RoleStylizedVideo Role = "stylized_video"
	RoleFinalVideo    Role = "final_video"
	RoleImage         Role = "cartoon_image"
)

// Namer maps (job id, role) to a path. Inputs and intermediates live under
// UploadDir, deliverables under OutputDir.
type Namer struct {
	UploadDir string
	OutputDir string
}

// NewNamer returns a Namer rooted at the given directories.
func NewNamer(uploadDir, outputDir string) *Namer {
	return &Namer{UploadDir: uploadDir, OutputDir: outputDir}
}

// NewJobID returns a random 128-bit identifier.
func NewJobID() string {
	return uuid.NewString()
}

// ParseJobID validates an externally supplied job id and returns its
// canonical form.
func ParseJobID(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return id.String(), nil
}

// Path returns the deterministic location for role within job jobID.
func (n *Namer) Path(jobID string, role Role) string {
	switch role {
	case RoleRawUpload:
		return filepath.Join(n.UploadDir, jobID+".mp4")
	case RoleResizedVideo:
		return filepath.Join(n.UploadDir, jobID+"_resized.mp4")
	case RoleAudioTrack:
		return filepath.Join(n.UploadDir, jobID+"_audio.aac")
	case RoleStylizedVideo:
		// Matches the engine adapter, which writes next to its input.
		return filepath.Join(n.UploadDir, jobID+"_resized"+StylizedSuffix+".mp4")
	case RoleFinalVideo:
		return filepath.Join(n.OutputDir, jobID+"_final.mp4")
	case RoleImage:
		return filepath.Join(n.OutputDir, jobID+".jpg")
	default:
		return filepath.Join(n.UploadDir, jobID+"_"+string(role))
	}
}

// StylizedSuffix is appended to an input's stem to name the stylized output.
const StylizedSuffix = "_cartoonized"

// Intermediates returns the paths of every intermediate role for jobID, in
// the order the pipeline creates them. The raw upload and the final video are
// not included.
func (n *Namer) Intermediates(jobID string) []string {
	return []string{
		n.Path(jobID, RoleResizedVideo),
		n.Path(jobID, RoleAudioTrack),
		n.Path(jobID, RoleStylizedVideo),
	}
}

// EnsureDirs creates the upload and output directories.
func (n *Namer) EnsureDirs() error {
	for _, dir := range []string{n.UploadDir, n.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}
