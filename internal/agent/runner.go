package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kilnd/kiln/internal/models"
)

// 50 MB limit
const MaxLogSize = 50 * 1024 * 1024

type LimitWriter struct {
	w       *os.File
	written int64
	limit   int64
}

func (l *LimitWriter) Write(p []byte) (n int, err error) {
	if l.written >= l.limit {
		return len(p), nil // Silently discard
	}
	if l.written+int64(len(p)) > l.limit {
		remaining := l.limit - l.written
		l.w.Write(p[:remaining])
		l.w.WriteString("\n[LOG LIMIT EXCEEDED - TRUNCATED]\n")
		l.written += int64(len(p))
		return len(p), nil
	}
	n, err = l.w.Write(p)
	l.written += int64(n)
	return n, err
}

// lineWriter splits a byte stream into lines and hands each complete line
// to the sink. The trailing partial line is delivered on flush.
type lineWriter struct {
	buf  bytes.Buffer
	sink func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line, put it back and wait for more bytes.
			w.buf.WriteString(line)
			break
		}
		w.sink(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.buf.Len() > 0 {
		w.sink(strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
}

// RunRunner owns one training process from fork to exit.
type RunRunner struct {
	run     models.Run
	command string
	logRoot string
	onLine  func(string)

	cmd          *exec.Cmd
	monitoredPID int
	err          error
	finishedChan chan struct{}
}

func NewRunRunner(run models.Run, command, logRoot string, onLine func(string)) *RunRunner {
	return &RunRunner{
		run:          run,
		command:      command,
		logRoot:      logRoot,
		onLine:       onLine,
		finishedChan: make(chan struct{}),
	}
}

// NewRecoveredRunRunner re-attaches to a process that outlived an agent
// restart. The process is not our child anymore, so all we can do is poll
// for liveness; its output and exit status are lost.
func NewRecoveredRunRunner(run models.Run, logRoot string, pid int) *RunRunner {
	r := &RunRunner{
		run:          run,
		logRoot:      logRoot,
		monitoredPID: pid,
		finishedChan: make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			if err := syscall.Kill(pid, 0); err != nil {
				// Process is gone
				os.Remove(r.pidPath())
				close(r.finishedChan)
				return
			}
		}
	}()

	return r
}

// pidFile is the breadcrumb that lets a restarted agent find the runs it
// left behind.
type pidFile struct {
	Run models.Run `json:"run"`
	PID int        `json:"pid"`
}

// Files under logRoot are keyed by run id: names repeat across log
// namespaces, ids never do.
func (r *RunRunner) pidPath() string {
	return filepath.Join(r.logRoot, fmt.Sprintf("%s.pid", r.run.ID))
}

func (r *RunRunner) writePIDFile() {
	data, err := json.Marshal(pidFile{Run: r.run, PID: r.cmd.Process.Pid})
	if err == nil {
		err = os.WriteFile(r.pidPath(), data, 0644)
	}
	if err != nil {
		// Recovery is best effort; the run itself is unaffected.
		log.Printf("Agent: writing pid file for run %s: %v", r.run.ID, err)
	}
}

func (r *RunRunner) Start() error {
	if err := os.MkdirAll(r.logRoot, 0755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	logFile := filepath.Join(r.logRoot, fmt.Sprintf("%s.log", r.run.ID))
	f, err := os.Create(logFile)
	if err != nil {
		return fmt.Errorf("creating log file: %w", err)
	}

	// Cap logs to prevent disk exhaustion
	limitWriter := &LimitWriter{w: f, limit: MaxLogSize}
	lw := &lineWriter{sink: r.onLine}
	output := io.MultiWriter(limitWriter, lw)

	r.cmd = exec.Command("sh", "-c", r.command)
	r.cmd.Dir = r.logRoot
	r.cmd.Stdout = output
	r.cmd.Stderr = output

	env := []string{
		fmt.Sprintf("KILN_RUN_ID=%s", r.run.ID),
		fmt.Sprintf("KILN_RUN_NAME=%s", r.run.Name),
	}

	// GPU isolation
	if len(r.run.GPUIndices) > 0 {
		parts := make([]string, len(r.run.GPUIndices))
		for i, idx := range r.run.GPUIndices {
			parts[i] = strconv.Itoa(idx)
		}
		env = append(env, fmt.Sprintf("CUDA_VISIBLE_DEVICES=%s", strings.Join(parts, ",")))
	}
	r.cmd.Env = append(os.Environ(), env...)

	// New process group for clean signal handling
	r.cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := r.cmd.Start(); err != nil {
		f.Close()
		return fmt.Errorf("starting command: %w", err)
	}

	r.writePIDFile()

	go func() {
		r.err = r.cmd.Wait()
		lw.flush()
		f.Close()
		os.Remove(r.pidPath())
		close(r.finishedChan)
	}()

	return nil
}

func (r *RunRunner) Wait() error {
	<-r.finishedChan
	return r.err
}

// Stop signals the process group. A graceful stop sends SIGTERM only and
// lets the training loop checkpoint and exit on its own; otherwise SIGKILL
// follows after the grace period.
func (r *RunRunner) Stop(graceful bool) error {
	if r.monitoredPID > 0 {
		// Recovered run: signal the pid directly, we never had its pgid.
		syscall.Kill(r.monitoredPID, syscall.SIGTERM)
		if graceful {
			return nil
		}
		select {
		case <-r.finishedChan:
		case <-time.After(5 * time.Second):
			syscall.Kill(r.monitoredPID, syscall.SIGKILL)
			<-r.finishedChan
		}
		return nil
	}

	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}

	select {
	case <-r.finishedChan:
		return nil
	default:
	}

	pgid, err := syscall.Getpgid(r.cmd.Process.Pid)
	if err == nil {
		syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		r.cmd.Process.Signal(syscall.SIGTERM)
	}

	if graceful {
		return nil
	}

	select {
	case <-r.finishedChan:
		return nil
	case <-time.After(5 * time.Second):
		if err == nil {
			syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			r.cmd.Process.Kill()
		}
		<-r.finishedChan
		return nil
	}
}

func (r *RunRunner) PID() int {
	if r.monitoredPID > 0 {
		return r.monitoredPID
	}
	if r.cmd != nil && r.cmd.Process != nil {
		return r.cmd.Process.Pid
	}
	return 0
}
