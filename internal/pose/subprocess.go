package pose

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"
)

// ScriptName is the Python PoseNet service started by the subprocess estimator.
const ScriptName = "posenet_service.py"

// SubprocessEstimator implements Estimator using a Python PoseNet subprocess.
//
// Wire protocol, per request: one JSON header line carrying the inference
// options, then the frame as a 4-byte big-endian length followed by JPEG bytes.
// The service answers with one JSON line.
type SubprocessEstimator struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	mu     sync.Mutex
	closed bool
}

// ScriptEnv overrides where LoadSubprocess looks for ScriptName.
const ScriptEnv = "POSERIG_POSENET_SCRIPT"

// LoadSubprocess starts the PoseNet service and waits until it reports that
// the model weights are loaded. It satisfies Loader.
func LoadSubprocess(ctx context.Context, cfg ModelConfig) (Estimator, error) {
	scriptPath := findServiceScript()
	if scriptPath == "" {
		return nil, fmt.Errorf("%w: %s not found (set %s)", ErrModelLoad, ScriptName, ScriptEnv)
	}

	pythonPath := findVenvPython()
	if pythonPath == "" {
		pythonPath = "python3"
	}

	return StartService(ctx, exec.Command(pythonPath, scriptPath), cfg)
}

// StartService runs cmd as a PoseNet service and performs the model-load
// handshake. Any program speaking the wire protocol can serve.
func StartService(ctx context.Context, cmd *exec.Cmd, cfg ModelConfig) (Estimator, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdin pipe: %v", ErrModelLoad, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdout pipe: %v", ErrModelLoad, err)
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start posenet service: %v", ErrModelLoad, err)
	}

	e := &SubprocessEstimator{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}

	done := make(chan error, 1)
	go func() {
		done <- e.handshake(cfg)
	}()

	select {
	case err := <-done:
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
		}
		return e, nil
	case <-ctx.Done():
		cmd.Process.Kill()
		e.Close()
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, ctx.Err())
	}
}

func (e *SubprocessEstimator) handshake(cfg ModelConfig) error {
	if err := writeJSONLine(e.stdin, map[string]any{"model": cfg}); err != nil {
		return fmt.Errorf("write model config: %w", err)
	}

	line, err := e.stdout.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}

	var resp struct {
		Ready bool   `json:"ready"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return fmt.Errorf("parse handshake: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("service: %s", resp.Error)
	}
	if !resp.Ready {
		return fmt.Errorf("service did not report ready")
	}
	return nil
}

// EstimatePoses encodes the frame and sends it to the service.
// There is no timeout: a hung service stalls the caller.
func (e *SubprocessEstimator) EstimatePoses(ctx context.Context, frame *gocv.Mat, cfg InferenceConfig) ([]Pose, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("estimator closed")
	}

	buf, err := gocv.IMEncode(".jpg", *frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	data := buf.GetBytes()

	if err := writeJSONLine(e.stdin, map[string]any{
		"inference": cfg,
		"width":     frame.Cols(),
		"height":    frame.Rows(),
	}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := e.stdin.Write(length); err != nil {
		return nil, fmt.Errorf("write length: %w", err)
	}
	if _, err := e.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write data: %w", err)
	}

	line, err := e.stdout.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return decodeResponse([]byte(line))
}

// Close shuts down the Python process.
func (e *SubprocessEstimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.stdin != nil {
		e.stdin.Close()
	}

	err := e.cmd.Wait()
	e.stdin = nil
	e.stdout = nil
	return err
}

func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// jsonPose represents the JSON structure from the Python service.
type jsonPose struct {
	Score     float64        `json:"score"`
	Keypoints []jsonKeypoint `json:"keypoints"`
}

type jsonKeypoint struct {
	Part     string  `json:"part"`
	Score    float64 `json:"score"`
	Position struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"position"`
}

func decodeResponse(line []byte) ([]Pose, error) {
	var response struct {
		Poses []jsonPose `json:"poses"`
		Error string     `json:"error"`
	}
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("service: %s", response.Error)
	}

	result := make([]Pose, len(response.Poses))
	for i, p := range response.Poses {
		result[i] = p.toPose()
	}
	return result, nil
}

func (p jsonPose) toPose() Pose {
	out := Pose{
		Score:     p.Score,
		Keypoints: make([]Keypoint, len(p.Keypoints)),
	}
	for i, kp := range p.Keypoints {
		out.Keypoints[i] = Keypoint{
			Name:     kp.Part,
			Score:    kp.Score,
			Position: Vector2{X: kp.Position.X, Y: kp.Position.Y},
		}
	}
	return out
}

func findServiceScript() string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	if p := os.Getenv(ScriptEnv); p != "" {
		return firstExisting([]string{p})
	}

	candidates := []string{
		filepath.Join("scripts", ScriptName),
		filepath.Join("..", "scripts", ScriptName),
		filepath.Join(execDir, "scripts", ScriptName),
		filepath.Join(os.Getenv("HOME"), ".poserig", "scripts", ScriptName),
	}

	return firstExisting(candidates)
}

// findVenvPython looks for a Python interpreter in a virtual environment.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".poserig/venv/bin/python"),
	}

	return firstExisting(candidates)
}

func firstExisting(paths []string) string {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}
