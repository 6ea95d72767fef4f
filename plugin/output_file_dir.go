package plugin

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vearne/tcptap/model"
	"github.com/vearne/tcptap/render"
)

func IsValidDir(dirPath string) error {
	info, err := os.Stat(dirPath)
	if err != nil {
		return errors.Wrap(err, "invalid directory")
	}
	if !info.IsDir() {
		return errors.Errorf("%v is not direcotry", dirPath)
	}
	return nil
}

type FileDirOutputConfig struct {
	// MaxSize is the maximum size in megabytes of the dump file before it gets rotated.
	MaxSize int `json:"maxSize"`
	// MaxBackups is the maximum number of old dump files to retain.
	MaxBackups int `json:"maxBackups"`
	// MaxAge is the maximum number of days to retain old dump files based on the
	// timestamp encoded in their filename.
	MaxAge int `json:"maxAge"`
}

// FileDirOutput writes framed dump records into a rotating file under
// the given directory.
type FileDirOutput struct {
	logger *lumberjack.Logger
}

func NewFileDirOutput(path string, cf *FileDirOutputConfig) *FileDirOutput {
	var ouput FileDirOutput
	ouput.logger = &lumberjack.Logger{
		Filename:   filepath.Join(path, "tcptap.dump"),
		MaxSize:    cf.MaxSize, // megabytes
		MaxBackups: cf.MaxBackups,
		MaxAge:     cf.MaxAge, //days
		Compress:   true,
	}
	return &ouput
}

func (o *FileDirOutput) Close() error {
	return o.logger.Close()
}

func (o *FileDirOutput) Write(rec *model.Record) (err error) {
	_, err = o.logger.Write([]byte(render.Frame(rec)))
	return err
}
