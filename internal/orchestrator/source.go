package orchestrator

import (
	"io"
	"os"
)

// fileSectionSource implements payload.PayloadSource by reopening otaPath
// for every call and handing back an independent io.SectionReader over
// payload.bin's stored byte range, so parallel extraction workers never
// share a read position.
type fileSectionSource struct {
	otaPath string
	offset  int64
	size    int64
}

func (s *fileSectionSource) Open() (io.ReadSeekCloser, error) {
	f, err := os.Open(s.otaPath)
	if err != nil {
		return nil, err
	}
	return &sectionReadCloser{SectionReader: io.NewSectionReader(f, s.offset, s.size), f: f}, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s *sectionReadCloser) Close() error { return s.f.Close() }
