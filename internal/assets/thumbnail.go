package assets

import (
	"context"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

// maxThumbnailDim is §4.3's "max dimension 512, preserving aspect".
const maxThumbnailDim = 512

// thumbnailWorker generates a background thumbnail for image assets.
// Failure is logged and otherwise non-fatal, per §4.3.
func (r *Registry) thumbnailWorker(uid string) {
	asset, ok := r.get(uid)
	if !ok || asset.Type != TypeImage {
		return
	}

	path, err := r.renderThumbnail(asset.Path)
	if err != nil {
		r.log.Warn("thumbnail generation failed", "uid", uid, "path", asset.Path, "error", err)
		return
	}

	lock := r.lockFor(uid)
	lock.Lock()
	defer lock.Unlock()

	current, ok := r.get(uid)
	if !ok {
		return // removed while thumbnailing
	}
	current.ThumbnailPath = path
	r.publish(uid, current, false)

	if err := r.upsertRowOnly(context.Background(), current); err != nil {
		r.log.Warn("persisting thumbnail path failed", "uid", uid, "error", err)
	}
}

func (r *Registry) renderThumbnail(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return "", err
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := 1.0
	if w > h && w > maxThumbnailDim {
		scale = float64(maxThumbnailDim) / float64(w)
	} else if h >= w && h > maxThumbnailDim {
		scale = float64(maxThumbnailDim) / float64(h)
	}
	dstW, dstH := int(float64(w)*scale), int(float64(h)*scale)
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	thumbPath := path + ".thumb.jpg"
	out, err := os.Create(thumbPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if err := jpeg.Encode(out, dst, &jpeg.Options{Quality: 85}); err != nil {
		return "", err
	}
	return thumbPath, nil
}
