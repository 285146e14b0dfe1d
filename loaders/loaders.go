/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package loaders implements the loader modules that feed decoded images
// into a pipeline-owned batch image.
//
// FileLoader reads JPEG/PNG files from disk, decodes and fits each to the
// output image's per-item geometry, and writes them batch-stacked into the
// output buffer -- directly for host memory, through one queued upload for
// device memory. Load (I/O) and decode times are tracked separately, per
// the pipeline.Loader contract.
package loaders

import (
	"bytes"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/augment/backends"
	"github.com/gomlx/augment/pipeline"
	"github.com/gomlx/augment/types/images"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FileLoader implements pipeline.Loader over a list of image files.
type FileLoader struct {
	output *pipeline.Image
	queue  backends.Queue
	files  []string
	next   int

	// staging holds the decoded batch before the device upload. Unused for
	// host-memory outputs, which are written in place.
	staging []byte

	loadTime   time.Duration
	decodeTime time.Duration
}

var _ pipeline.Loader = (*FileLoader)(nil)

var decodableExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
}

// NewFileLoader creates a loader over all decodable image files found
// directly under dir, sorted by name. The output image must have been
// created with MasterGraph.CreateLoaderOutputImage, and the queue is the
// pipeline context's.
func NewFileLoader(dir string, output *pipeline.Image, queue backends.Queue) (*FileLoader, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list image directory %q", dir)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if decodableExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, errors.Errorf("no decodable image files (jpeg/png) found in %q", dir)
	}
	klog.V(1).Infof("loaders: found %d image file(s) in %q", len(files), dir)
	return NewFileLoaderFromList(files, output, queue)
}

// NewFileLoaderFromList creates a loader over an explicit file list, in the
// given order.
func NewFileLoaderFromList(files []string, output *pipeline.Image, queue backends.Queue) (*FileLoader, error) {
	if output == nil {
		return nil, errors.New("loader output image is nil")
	}
	if len(files) == 0 {
		return nil, errors.New("loader file list is empty")
	}
	return &FileLoader{output: output, queue: queue, files: files}, nil
}

// Shuffle randomizes the file order, deterministically for a given seed.
// Call before the first LoadNext or right after Reset.
func (l *FileLoader) Shuffle(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(l.files), func(i, j int) {
		l.files[i], l.files[j] = l.files[j], l.files[i]
	})
}

// LoadNext implements pipeline.Loader: decodes the next batch into the
// output image. It fails when fewer than a full batch remains; Reset rewinds
// to the start.
func (l *FileLoader) LoadNext() error {
	info := l.output.Info()
	if l.Count() < info.Batch {
		return errors.Errorf("file loader exhausted: %d image(s) left, batch needs %d (Reset to rewind)",
			l.Count(), info.Batch)
	}

	dst := l.batchBuffer(info)
	for item := 0; item < info.Batch; item++ {
		path := l.files[l.next]

		start := time.Now()
		data, err := os.ReadFile(path)
		l.loadTime += time.Since(start)
		if err != nil {
			return errors.Wrapf(err, "failed to read image file %q", path)
		}

		start = time.Now()
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			l.decodeTime += time.Since(start)
			return errors.Wrapf(err, "failed to decode image file %q", path)
		}
		fitted := imaging.Fill(img, info.Width, info.Height, imaging.Center, imaging.Lanczos)
		writeItem(fitted, dst, info, item)
		l.decodeTime += time.Since(start)

		l.next++
	}

	if info.MemType == images.Device {
		// One blocking upload delivers the whole batch.
		l.output.FillData(l.queue, l.staging, true)
	}
	return nil
}

// Reset implements pipeline.Loader.
func (l *FileLoader) Reset() { l.next = 0 }

// Count implements pipeline.Loader: the number of files not yet loaded.
func (l *FileLoader) Count() int { return len(l.files) - l.next }

// Timing implements pipeline.Loader.
func (l *FileLoader) Timing() (load, decode time.Duration) {
	return l.loadTime, l.decodeTime
}

// batchBuffer returns where the decoded batch is assembled: the image's own
// storage for host memory, the staging buffer for device memory.
func (l *FileLoader) batchBuffer(info images.Info) []byte {
	if info.MemType == images.Host {
		return l.output.HostBytes()
	}
	if l.staging == nil {
		l.staging = make([]byte, info.Memory())
	}
	return l.staging
}

// writeItem converts a decoded NRGBA image into the output's color format at
// batch item `item` of the stacked buffer.
func writeItem(img *image.NRGBA, dst []byte, info images.Info, item int) {
	channels := info.PlaneCount()
	base := item * info.Height * info.Width * channels
	for y := 0; y < info.Height; y++ {
		for x := 0; x < info.Width; x++ {
			src := img.PixOffset(x, y)
			offset := base + (y*info.Width+x)*channels
			r, g, b := img.Pix[src], img.Pix[src+1], img.Pix[src+2]
			switch info.Format {
			case images.Gray:
				dst[offset] = uint8((19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 1<<15) >> 16)
			case images.RGB24:
				dst[offset], dst[offset+1], dst[offset+2] = r, g, b
			case images.BGR24:
				dst[offset], dst[offset+1], dst[offset+2] = b, g, r
			}
		}
	}
}
