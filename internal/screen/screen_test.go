package screen

import (
	"image"
	"image/color"
	"testing"
)

func solidRGBA(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestCompareRGBAIdenticalImagesScoreOne(t *testing.T) {
	a := solidRGBA(8, 8, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	b := solidRGBA(8, 8, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	if sim := compareRGBA(a, b); sim != 1 {
		t.Errorf("similarity = %v, want 1", sim)
	}
}

func TestCompareRGBACompletelyDifferentScoresLow(t *testing.T) {
	a := solidRGBA(4, 4, color.RGBA{R: 0, G: 0, B: 0, A: 255})
	b := solidRGBA(4, 4, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	if sim := compareRGBA(a, b); sim > 0.01 {
		t.Errorf("similarity = %v, want ~0", sim)
	}
}

func TestCompareRGBAMismatchedBoundsScoresZero(t *testing.T) {
	a := solidRGBA(4, 4, color.RGBA{A: 255})
	b := solidRGBA(8, 8, color.RGBA{A: 255})
	if sim := compareRGBA(a, b); sim != 0 {
		t.Errorf("similarity = %v, want 0 for mismatched bounds", sim)
	}
}

func TestCropToROI(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	want := color.RGBA{R: 99, G: 50, B: 25, A: 255}
	img.SetRGBA(5, 5, want)

	cropped := cropToROI(img, &Rect{X: 4, Y: 4, W: 3, H: 3})
	if got := cropped.Bounds(); got.Dx() != 3 || got.Dy() != 3 {
		t.Fatalf("cropped bounds = %v, want 3x3", got)
	}
	if got := cropped.RGBAAt(1, 1); got != want {
		t.Errorf("cropped pixel (1,1) = %v, want %v", got, want)
	}
}

func TestCropToROINilPassesThrough(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 5, 5))
	if cropToROI(img, nil) != img {
		t.Error("cropToROI(img, nil) should return img unchanged")
	}
}

func TestResizeToSameSizeIsNoop(t *testing.T) {
	img := solidRGBA(6, 6, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	out := resizeTo(img, 6, 6)
	if out.Bounds() != img.Bounds() {
		t.Fatalf("bounds changed on same-size resize")
	}
}

func TestResizeToScalesDimensions(t *testing.T) {
	img := solidRGBA(4, 4, color.RGBA{R: 7, G: 7, B: 7, A: 255})
	out := resizeTo(img, 8, 2)
	if out.Bounds().Dx() != 8 || out.Bounds().Dy() != 2 {
		t.Fatalf("resized bounds = %v, want 8x2", out.Bounds())
	}
}

func TestLevenshteinBasics(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"kitten", "sitting", 3},
		{"", "abc", 3},
	}
	for _, c := range cases {
		if got := levenshtein(c.a, c.b); got != c.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestFuzzyContainsToleratesOneTypo(t *testing.T) {
	if !fuzzyContains("the systern is ready", "the system is ready") {
		t.Error("expected fuzzy match within tolerance")
	}
}

func TestFuzzyContainsRejectsUnrelatedText(t *testing.T) {
	if fuzzyContains("completely unrelated output", "the system is ready") {
		t.Error("expected fuzzy match to fail for unrelated text")
	}
}

func TestFuzzyContainsEmptyWant(t *testing.T) {
	if fuzzyContains("anything", "") {
		t.Error("empty want should never match")
	}
}

func TestMin3(t *testing.T) {
	if got := min3(3, 1, 2); got != 1 {
		t.Errorf("min3(3,1,2) = %d, want 1", got)
	}
	if got := min3(5, 5, 5); got != 5 {
		t.Errorf("min3(5,5,5) = %d, want 5", got)
	}
}
