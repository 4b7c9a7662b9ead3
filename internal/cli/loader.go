package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue/token"

	"github.com/roach88/grafting/internal/compiler"
)

// LoadResult contains the module compiled from a specs path.
type LoadResult struct {
	Module    *compiler.Module
	FileCount int // Number of CUE files compiled
}

// LoadError represents an error that occurred during spec loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadSpecs compiles the specs at path. A directory is compiled as one CUE
// package; a single .cue file is compiled on its own.
//
// A nil result means nothing could be compiled (missing path, no files, a
// CUE load failure). A non-nil result with errors holds whatever compiled;
// every compile error is returned, not just the first.
func LoadSpecs(path string) (*LoadResult, []error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("specs path not found: %s", path)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing specs path: %v", err)}}
	}

	var (
		mod   *compiler.Module
		errs  []error
		count int
	)
	if info.IsDir() {
		files, err := FindCUEFiles(path)
		if err != nil {
			return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
		}
		if len(files) == 0 {
			return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", path)}}
		}
		count = len(files)
		mod, errs = compiler.CompileDir(path)
	} else {
		if filepath.Ext(path) != ".cue" {
			return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("not a CUE file: %s", path)}}
		}
		count = 1
		mod, errs = compiler.CompileFile(path)
	}

	if mod == nil {
		out := make([]error, len(errs))
		for i, err := range errs {
			out[i] = &LoadError{Code: ErrCodeLoadFailed, Message: err.Error()}
		}
		return nil, out
	}

	result := &LoadResult{Module: mod, FileCount: count}
	loadErrs := make([]error, 0, len(errs))
	for _, err := range errs {
		loadErrs = append(loadErrs, convertCompileError(err))
	}
	if len(mod.Rules) == 0 && len(mod.Strategies) == 0 && len(loadErrs) == 0 {
		loadErrs = append(loadErrs, &LoadError{Code: ErrCodeGeneric, Message: "no rules or strategies found in specs"})
	}
	return result, loadErrs
}

// loadValidModule compiles and validates specs for commands that execute
// them. Any failure is reported through formatter as a command error.
func loadValidModule(formatter *OutputFormatter, specs string) (*compiler.Module, error) {
	res, loadErrors := LoadSpecs(specs)
	if res == nil {
		return nil, outputLoadFailure(formatter, loadErrors)
	}
	if errs := ValidateModule(res.Module, loadErrors); len(errs) > 0 {
		_ = formatter.Error(errs[0].Code, "invalid specs: "+errs[0].Error(), errs)
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid specs: %d error(s)", len(errs)))
	}
	return res.Module, nil
}

// FindCUEFiles returns the .cue files directly inside dir. Subdirectories
// are separate CUE packages and are not compiled with dir.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		code := compileErr.Code
		if code == "" {
			code = ErrCodeGeneric
		}
		if compileErr.Field == "cue" {
			code = ErrCodeBuildFailed
		}
		return &LoadError{
			Code:    code,
			Message: compileErr.Field + ": " + compileErr.Message,
			Pos:     compileErr.Pos,
		}
	}
	var cycle compiler.IncludeCycle
	if errors.As(err, &cycle) {
		return &LoadError{Code: compiler.ErrStrategyCycle, Message: cycle.Message}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
}

// Error code constants shared by all CLI commands. Compile and validation
// failures carry the compiler's own E2xx-E4xx codes.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeUsage       = "E008" // Bad flag value or unknown name
)
