// Package screen implements the reference-image matcher: a tagged PNG plus
// a JSON sidecar (region of interest, similarity threshold, optional OCR
// text), compared against a live VNC framebuffer with
// golang.org/x/image/draw for resizing and github.com/otiai10/gosseract/v2
// for the OCR path.
package screen

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"
	"golang.org/x/image/draw"

	"github.com/autotest-dev/autotest/internal/autoerr"
	"github.com/autotest-dev/autotest/internal/transport/vnctransport"
)

// Sidecar is the JSON metadata stored alongside a reference PNG, named
// "<tag>.json" next to "<tag>.png".
type Sidecar struct {
	ROI       *Rect   `json:"roi,omitempty"`
	Threshold float64 `json:"threshold"` // similarity in [0,1]; 0 means use DefaultThreshold
	OCRText   string  `json:"ocr_text,omitempty"`
}

// Rect is a region of interest in reference-image pixel coordinates.
type Rect struct {
	X, Y, W, H int
}

// DefaultThreshold is used when a sidecar omits Threshold.
const DefaultThreshold = 0.95

// Reference is a loaded reference image plus its match parameters.
type Reference struct {
	Tag     string
	Image   image.Image
	Sidecar Sidecar
}

// Load reads dir/<tag>.png and dir/<tag>.json.
func Load(dir, tag string) (*Reference, error) {
	pngPath := filepath.Join(dir, tag+".png")
	f, err := os.Open(pngPath)
	if err != nil {
		return nil, fmt.Errorf("opening reference image %s: %w", pngPath, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding reference image %s: %w", pngPath, err)
	}

	var side Sidecar
	jsonPath := filepath.Join(dir, tag+".json")
	if data, err := os.ReadFile(jsonPath); err == nil {
		if err := json.Unmarshal(data, &side); err != nil {
			return nil, fmt.Errorf("parsing sidecar %s: %w", jsonPath, err)
		}
	}
	if side.Threshold == 0 {
		side.Threshold = DefaultThreshold
	}

	return &Reference{Tag: tag, Image: img, Sidecar: side}, nil
}

// Matcher compares live VNC frames against loaded references.
type Matcher struct {
	vnc     *vnctransport.Worker
	ocr     *gosseract.Client
	ocrOnce bool
}

// NewMatcher builds a Matcher bound to a live VNC worker. The OCR client is
// created lazily on first use since most references never need it.
func NewMatcher(vw *vnctransport.Worker) *Matcher {
	return &Matcher{vnc: vw}
}

func (m *Matcher) ocrClient() *gosseract.Client {
	if m.ocr == nil {
		m.ocr = gosseract.NewClient()
	}
	return m.ocr
}

// Close releases the OCR client if one was created.
func (m *Matcher) Close() error {
	if m.ocr != nil {
		return m.ocr.Close()
	}
	return nil
}

// CheckScreen performs a single comparison against ref and returns the
// similarity score in [0,1] along with whether it met ref's threshold.
func (m *Matcher) CheckScreen(ref *Reference) (similarity float64, ok bool, err error) {
	frame, _ := m.vnc.SnapshotFrame()
	live := cropToROI(frame, ref.Sidecar.ROI)

	refImg := ref.Image
	if refROI := ref.Sidecar.ROI; refROI != nil {
		refImg = cropToROI(toRGBA(refImg), refROI)
	}

	resized := resizeTo(refImg, live.Bounds().Dx(), live.Bounds().Dy())
	similarity = compareRGBA(resized, live)
	ok = similarity >= ref.Sidecar.Threshold

	if ok && ref.Sidecar.OCRText != "" {
		text, terr := m.extractText(live)
		if terr != nil {
			return similarity, false, fmt.Errorf("running ocr: %w", terr)
		}
		if !strings.Contains(text, ref.Sidecar.OCRText) && !fuzzyContains(text, ref.Sidecar.OCRText) {
			ok = false
		}
	}
	return similarity, ok, nil
}

// AssertScreen polls CheckScreen until it matches or timeout elapses,
// waking either on a fresh VNC generation or a 200ms fallback tick,
// whichever comes first.
func (m *Matcher) AssertScreen(ref *Reference, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	lastGen := uint64(0)
	lastSimilarity := 0.0

	for {
		sim, ok, err := m.CheckScreen(ref)
		if err != nil {
			return err
		}
		lastSimilarity = sim
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return &autoerr.ScreenMismatch{Similarity: lastSimilarity}
		}

		wait := 200 * time.Millisecond
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		target := time.Now().Add(wait)
		for time.Now().Before(target) {
			if gen := m.vnc.Generation(); gen != lastGen {
				lastGen = gen
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (m *Matcher) extractText(img image.Image) (string, error) {
	buf := &strings.Builder{}
	if err := png.Encode(writerFunc(func(p []byte) (int, error) {
		return buf.Write(p)
	}), img); err != nil {
		return "", err
	}
	client := m.ocrClient()
	if err := client.SetImageFromBytes([]byte(buf.String())); err != nil {
		return "", err
	}
	return client.Text()
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func cropToROI(img *image.RGBA, roi *Rect) *image.RGBA {
	if roi == nil {
		return img
	}
	rect := image.Rect(roi.X, roi.Y, roi.X+roi.W, roi.Y+roi.H)
	out := image.NewRGBA(image.Rect(0, 0, roi.W, roi.H))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	return out
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	return out
}

// resizeTo scales src to (w, h) with nearest-neighbour sampling. Reference
// screenshots are captured at the same resolution as the live console in
// the overwhelming majority of cases, so a cheap, deterministic sampler is
// preferable to a smoothing filter that would blur sharp UI edges the diff
// cares about.
func resizeTo(src image.Image, w, h int) *image.RGBA {
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		return toRGBA(src)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

// compareRGBA returns 1 - (mean per-channel absolute difference / 255),
// i.e. 1.0 for pixel-identical images.
func compareRGBA(a, b *image.RGBA) float64 {
	bounds := a.Bounds()
	if bounds != b.Bounds() {
		return 0
	}
	var total, count float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			ca := a.RGBAAt(x, y)
			cb := b.RGBAAt(x, y)
			total += channelDiff(ca.R, cb.R) + channelDiff(ca.G, cb.G) + channelDiff(ca.B, cb.B)
			count += 3
		}
	}
	if count == 0 {
		return 1
	}
	meanDiff := total / count
	return 1 - meanDiff/255
}

func channelDiff(a, b uint8) float64 {
	return math.Abs(float64(a) - float64(b))
}

// fuzzyContains allows OCR text to match despite the occasional
// misrecognized character: it slides a window of len(want) runes over got
// and accepts if any window is within len(want)/5+1 edits of want.
func fuzzyContains(got, want string) bool {
	wr := []rune(want)
	gr := []rune(got)
	if len(wr) == 0 || len(gr) < len(wr) {
		return false
	}
	tolerance := len(wr)/5 + 1
	for i := 0; i+len(wr) <= len(gr); i++ {
		window := string(gr[i : i+len(wr)])
		if levenshtein(window, want) <= tolerance {
			return true
		}
	}
	return false
}

// levenshtein is used by fuzzyContains, CheckScreen's fallback when the OCR
// text does not contain the expected text verbatim; no corpus dependency covers
// edit-distance scoring, so it is hand-written.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			cur[j] = min3(del, ins, sub)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
