package media

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/markconroy/markie-sub000/internal/provider"
)

// Transcriber turns audio into text.
type Transcriber interface {
	SpeechToText(ctx context.Context, sel provider.Selection, audio provider.Binary) (string, error)
}

// Analyzer prepares a video for a vision model: a transcript of its audio
// and raster sheets of its frames. One Analyzer belongs to one workspace.
type Analyzer struct {
	ff    *FFmpeg
	ws    *Workspace
	stt   Transcriber
	sel   provider.Selection
	video string

	transcript string
	rasters    []provider.Binary
	clip       string
}

// NewAnalyzer creates an Analyzer. sel picks the speech-to-text model.
func NewAnalyzer(ff *FFmpeg, ws *Workspace, stt Transcriber, sel provider.Selection) *Analyzer {
	sel.Operation = provider.OpSpeechToText
	return &Analyzer{ff: ff, ws: ws, stt: stt, sel: sel}
}

// Prepare builds scene rasters and a transcript for video.
func (a *Analyzer) Prepare(ctx context.Context, video string) error {
	a.video = video
	a.clip = ""
	if err := a.ws.Clear("jpeg"); err != nil {
		return err
	}
	if err := a.ff.SceneFrames(ctx, video, a.ws.Path("output_frame_%04d.jpeg")); err != nil {
		return err
	}
	if err := a.raster(ctx); err != nil {
		return err
	}

	audio := a.ws.Path("audio.mp3")
	if err := a.ff.ExtractAudio(ctx, video, audio); err != nil {
		return err
	}
	data, err := os.ReadFile(audio)
	if err != nil {
		return eris.Wrap(err, "media: read extracted audio")
	}
	text, err := a.stt.SpeechToText(ctx, a.sel, provider.Binary{Data: data, Mime: "audio/mpeg", Filename: "audio.mp3"})
	if err != nil {
		return err
	}
	a.transcript = text
	zap.L().Debug("media: video prepared",
		zap.String("video", filepath.Base(video)),
		zap.Int("rasters", len(a.rasters)),
		zap.Int("transcript_len", len(text)),
	)
	return nil
}

// Refine replaces the rasters with frames from the window around ts and
// cuts the matching clip. Every refinement gets its own clip file, so clips
// of earlier videos in the same workspace survive. The transcript is kept.
func (a *Analyzer) Refine(ctx context.Context, ts string) error {
	if a.video == "" {
		return eris.New("media: refine before prepare")
	}
	if err := a.ws.Clear("jpeg"); err != nil {
		return err
	}
	if err := a.ff.FramesAround(ctx, a.video, ts, a.ws.Path("output_frame_%04d.jpeg")); err != nil {
		return err
	}
	if err := a.raster(ctx); err != nil {
		return err
	}
	clip := a.ws.Unique("clip", ".mp4")
	if err := a.ff.ClipAround(ctx, a.video, ts, clip); err != nil {
		return err
	}
	a.clip = clip
	return nil
}

func (a *Analyzer) raster(ctx context.Context) error {
	if err := a.ff.Raster(ctx, a.ws.Path("output_frame_%04d.jpeg"), a.ws.Path("raster-%04d.jpeg")); err != nil {
		return err
	}
	paths, err := a.ws.Glob("raster-*.jpeg")
	if err != nil {
		return err
	}
	a.rasters = nil
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return eris.Wrapf(err, "media: read raster %s", filepath.Base(p))
		}
		a.rasters = append(a.rasters, provider.Binary{Data: data, Mime: "image/jpeg", Filename: filepath.Base(p)})
	}
	return nil
}

// Transcript returns the audio transcript.
func (a *Analyzer) Transcript() string { return a.transcript }

// Rasters returns the current raster sheets.
func (a *Analyzer) Rasters() []provider.Binary { return a.rasters }

// Clip returns the window clip cut by Refine, or the source video when no
// refinement happened.
func (a *Analyzer) Clip() string {
	if a.clip != "" {
		return a.clip
	}
	return a.video
}

// Video returns the source video path.
func (a *Analyzer) Video() string { return a.video }
