// Package dataset loads the MNIST database of handwritten digits.
//
// Files are the gzipped IDX files published by Yann LeCun, downloaded once
// into a cache directory. Images are preprocessed to float64 pixels scaled to
// [0, 1].
package dataset

import (
	"compress/gzip"
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	// DownloadURL is the mirror the files are fetched from.
	DownloadURL = "https://storage.googleapis.com/cvdf-datasets/mnist"

	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	Width      = 28
	Height     = 28
	NumPixels  = Width * Height
	NumClasses = 10

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Split selects the MNIST train (60k examples) or test (10k examples) files.
type Split string

const (
	SplitTrain Split = "train"
	SplitTest  Split = "test"
)

func (s Split) files() (images, labels string, err error) {
	switch s {
	case SplitTrain:
		return trainImagesFilename, trainLabelsFilename, nil
	case SplitTest:
		return testImagesFilename, testLabelsFilename, nil
	}

	return "", "", errors.Errorf("unknown MNIST split %q", s)
}

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// Download fetches the MNIST files missing from dir, from baseURL (DownloadURL
// when empty), showing a progress bar per file.
func Download(ctx context.Context, dir, baseURL string) error {
	if baseURL == "" {
		baseURL = DownloadURL
	}

	dir = ReplaceTildeInDir(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create MNIST directory %q", dir)
	}

	for _, file := range []string{trainImagesFilename, trainLabelsFilename, testImagesFilename, testLabelsFilename} {
		fileURL, err := url.JoinPath(baseURL, file)
		if err != nil {
			return errors.Wrapf(err, "build URL of %s", file)
		}

		if err := downloadIfMissing(ctx, fileURL, filepath.Join(dir, file)); err != nil {
			return err
		}
	}

	return nil
}

func downloadIfMissing(ctx context.Context, fileURL, filePath string) error {
	if _, err := os.Stat(filePath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "stat %q", filePath)
	}

	klog.Infof("Downloading %s ...", fileURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return errors.Wrapf(err, "build request for %s", fileURL)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download %s", fileURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download %s: HTTP %s", fileURL, resp.Status)
	}

	// Write to a temporary name so an interrupted download is retried.
	tmpPath := filePath + ".part"

	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "create %q", tmpPath)
	}

	bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(filePath))
	n, err := io.Copy(io.MultiWriter(f, bar), resp.Body)
	_ = bar.Finish()

	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmpPath)

		return errors.Wrapf(err, "download %s", fileURL)
	}

	klog.V(1).Infof("downloaded %s (%s)", filePath, humanize.Bytes(uint64(n)))

	return errors.Wrapf(os.Rename(tmpPath, filePath), "rename %q", tmpPath)
}

// Load parses a downloaded split from dir.
func Load(dir string, split Split) (*Dataset, error) {
	imagesFile, labelsFile, err := split.files()
	if err != nil {
		return nil, err
	}

	dir = ReplaceTildeInDir(dir)

	images, err := loadImageFile(filepath.Join(dir, imagesFile))
	if err != nil {
		return nil, err
	}

	labels, err := loadLabelFile(filepath.Join(dir, labelsFile))
	if err != nil {
		return nil, err
	}

	if len(images) != len(labels)*NumPixels {
		return nil, errors.Errorf("mnist %s: %d images but %d labels", split, len(images)/NumPixels, len(labels))
	}

	ds := &Dataset{Name: string(split), Pixels: images, Labels: labels}
	klog.Infof("loaded MNIST %s: %s examples", split, humanize.Comma(int64(ds.Len())))

	return ds, nil
}

// LoadMNIST downloads the files if needed and returns the train and test
// splits.
func LoadMNIST(ctx context.Context, dir string) (train, test *Dataset, err error) {
	if err := Download(ctx, dir, ""); err != nil {
		return nil, nil, err
	}

	if train, err = Load(dir, SplitTrain); err != nil {
		return nil, nil, err
	}

	if test, err = Load(dir, SplitTest); err != nil {
		return nil, nil, err
	}

	return train, test, nil
}

func openGzip(filename string) (io.Reader, func(), error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %q", filename)
	}

	reader, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()

		return nil, nil, errors.Wrapf(err, "gunzip %q", filename)
	}

	return reader, func() { _ = reader.Close(); _ = f.Close() }, nil
}

// loadImageFile returns the pixels of all images, scaled to [0, 1].
func loadImageFile(filename string) ([]float64, error) {
	reader, closeFn, err := openGzip(filename)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var header imageFileHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "read header of %q", filename)
	}

	if header.Magic != imageMagic || header.Width != Width || header.Height != Height || header.NumImages < 0 {
		return nil, errors.Errorf("%q: not an MNIST image file (magic %#x, %dx%d)", filename, header.Magic, header.Width, header.Height)
	}

	raw := make([]byte, int(header.NumImages)*NumPixels)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "read images of %q", filename)
	}

	pixels := make([]float64, len(raw))
	for i, v := range raw {
		pixels[i] = float64(v) / 255
	}

	return pixels, nil
}

func loadLabelFile(filename string) ([]uint8, error) {
	reader, closeFn, err := openGzip(filename)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var header labelFileHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "read header of %q", filename)
	}

	if header.Magic != labelMagic || header.NumLabels < 0 {
		return nil, errors.Errorf("%q: not an MNIST label file (magic %#x)", filename, header.Magic)
	}

	labels := make([]uint8, header.NumLabels)
	if _, err := io.ReadFull(reader, labels); err != nil {
		return nil, errors.Wrapf(err, "read labels of %q", filename)
	}

	for i, label := range labels {
		if label >= NumClasses {
			return nil, errors.Errorf("%q: label %d of example %d out of range", filename, label, i)
		}
	}

	return labels, nil
}

// ReplaceTildeInDir expands a leading "~" to the user's home directory.
func ReplaceTildeInDir(dir string) string {
	if !strings.HasPrefix(dir, "~") {
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}

	return filepath.Join(home, dir[1:])
}
