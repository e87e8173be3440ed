// Package remote opens an authenticated session to the archival host over
// golang.org/x/crypto/ssh (grounded on juju's internal/network/ssh client
// construction) and streams archive bytes into place using the same
// write-to-tmp-then-rename discipline other_examples/RichGuk-btrfs-backup
// uses when shelling out to the ssh binary — translated here to the native
// ssh package so a single long-lived *ssh.Client backs one session per
// operation instead of one subprocess per hop.
package remote

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/arklane/arkbackup/internal/logger"
)

// ErrConflict indicates write_stream's target path already exists.
var ErrConflict = errors.New("remote path already exists")

// ErrVerifyFailed indicates verify_object could not confirm the written
// object's size or header.
var ErrVerifyFailed = errors.New("remote object verification failed")

// Entry describes one remote file under a listed prefix.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Config describes how to reach the archival host.
type Config struct {
	Host           string
	User           string
	Port           int
	PrivateKeyPath string
	ConnectTimeout time.Duration
}

// Channel is an authenticated connection to the archival host. A Channel
// is exclusive to one Run; the retention reaping after that Run reuses it.
type Channel struct {
	client *ssh.Client
	log    logger.Logger
}

// Open dials the archival host with key-based auth and returns a Channel
// ready for ensure_dir/write_stream/list/delete/verify_object calls.
func Open(cfg Config, log logger.Logger) (*Channel, error) {
	keyBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %q: %w", cfg.PrivateKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key %q: %w", cfg.PrivateKeyPath, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // host key pinning is the dependency-probing subsystem's job, out of scope here
		Timeout:         cfg.ConnectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	log.Info("remote channel opened", "host", cfg.Host, "port", cfg.Port)
	return &Channel{client: client, log: log}, nil
}

// Close releases the underlying SSH connection.
func (c *Channel) Close() error {
	return c.client.Close()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (c *Channel) runCommand(command string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(command); err != nil {
		return nil, fmt.Errorf("remote command %q failed: %w: %s", command, err, stderr.String())
	}
	return []byte(stdout.String()), nil
}

// EnsureDir idempotently creates remotePath on the archival host.
func (c *Channel) EnsureDir(remotePath string) error {
	_, err := c.runCommand("mkdir -p " + shellQuote(remotePath))
	return err
}

// WriteStream streams readable into a temporary "<remotePath>.part" file,
// then renames it atomically to remotePath on clean EOF. On any error it
// deletes the .part file before returning. If remotePath already exists it
// returns ErrConflict without touching it.
func (c *Channel) WriteStream(remotePath string, readable io.Reader) (int64, error) {
	if _, err := c.statSize(remotePath); err == nil {
		return 0, fmt.Errorf("%w: %s", ErrConflict, remotePath)
	}

	partPath := remotePath + ".part"
	session, err := c.client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("new ssh session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return 0, fmt.Errorf("stdin pipe: %w", err)
	}

	var stderr strings.Builder
	session.Stderr = &stderr

	if err := session.Start("cat > " + shellQuote(partPath)); err != nil {
		session.Close()
		return 0, fmt.Errorf("start remote write: %w", err)
	}

	written, copyErr := io.Copy(stdin, readable)
	closeErr := stdin.Close()
	waitErr := session.Wait()
	session.Close()

	if copyErr != nil || closeErr != nil || waitErr != nil {
		c.cleanupPart(partPath)
		switch {
		case copyErr != nil:
			return written, fmt.Errorf("stream to remote: %w", copyErr)
		case closeErr != nil:
			return written, fmt.Errorf("close remote stdin: %w", closeErr)
		default:
			return written, fmt.Errorf("remote write failed: %w: %s", waitErr, stderr.String())
		}
	}

	renameCmd := fmt.Sprintf("mv %s %s", shellQuote(partPath), shellQuote(remotePath))
	if _, err := c.runCommand(renameCmd); err != nil {
		c.cleanupPart(partPath)
		return written, fmt.Errorf("rename .part to final path: %w", err)
	}

	c.log.Info("remote write committed", "path", remotePath, "bytes", written)
	return written, nil
}

func (c *Channel) cleanupPart(partPath string) {
	if _, err := c.runCommand("rm -f " + shellQuote(partPath)); err != nil {
		c.log.Warn("failed to clean up remote .part file", "path", partPath, "error", err.Error())
	}
}

var lsLineRE = regexp.MustCompile(`^\S+\s+\d+\s+\S+\s+\S+\s+(\d+)\s+(\d+)\s+(.+)$`)

// ReadStream opens remotePath for reading and returns a live stream of
// its bytes, the inverse of WriteStream, used by the restore path to
// fetch an archive without buffering it whole in memory. The caller must
// Close the returned stream exactly once.
func (c *Channel) ReadStream(remotePath string) (io.ReadCloser, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new ssh session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Start("cat " + shellQuote(remotePath)); err != nil {
		session.Close()
		return nil, fmt.Errorf("start remote read: %w", err)
	}

	return &readStream{session: session, stdout: stdout}, nil
}

type readStream struct {
	session *ssh.Session
	stdout  io.Reader
}

func (r *readStream) Read(p []byte) (int, error) { return r.stdout.Read(p) }

func (r *readStream) Close() error {
	err := r.session.Wait()
	r.session.Close()
	return err
}

// List returns every entry directly under remotePrefix with size and
// mtime, via "ls -l --time-style=+%s" so mtime parses as a Unix second
// count instead of a locale-dependent date string.
func (c *Channel) List(remotePrefix string) ([]Entry, error) {
	out, err := c.runCommand(fmt.Sprintf("ls -l --time-style=+%%s %s 2>/dev/null || true", shellQuote(remotePrefix)))
	if err != nil {
		return nil, err
	}

	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "total") || strings.TrimSpace(line) == "" {
			continue
		}
		m := lsLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		size, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		epoch, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:    path.Base(m[3]),
			Size:    size,
			ModTime: time.Unix(epoch, 0).UTC(),
		})
	}
	return entries, nil
}

// Delete idempotently removes remotePath; a no-op if it does not exist.
func (c *Channel) Delete(remotePath string) error {
	_, err := c.runCommand("rm -f " + shellQuote(remotePath))
	return err
}

func (c *Channel) statSize(remotePath string) (int64, error) {
	out, err := c.runCommand("stat -c%s " + shellQuote(remotePath))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
}

// VerifyObject confirms remotePath exists and has the expected size and,
// when headerMagic is non-empty, that it begins with those bytes. With an
// empty headerMagic no header bytes are read; only the size is checked.
func (c *Channel) VerifyObject(remotePath string, expectedSize int64, headerMagic []byte) (bool, error) {
	size, err := c.statSize(remotePath)
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %v", ErrVerifyFailed, remotePath, err)
	}
	if size != expectedSize {
		return false, nil
	}
	if len(headerMagic) == 0 {
		return true, nil
	}

	out, err := c.runCommand(fmt.Sprintf("head -c %d %s | xxd -p | tr -d '\\n'", len(headerMagic), shellQuote(remotePath)))
	if err != nil {
		return false, fmt.Errorf("%w: read header %s: %v", ErrVerifyFailed, remotePath, err)
	}
	wantHex := fmt.Sprintf("%x", headerMagic)
	return strings.TrimSpace(string(out)) == wantHex, nil
}

// WriteVerificationMarker overwrites "<basePath>/.verification" with a
// single line "<ISO-8601 UTC timestamp> <clientID>", a liveness marker
// for operators.
func (c *Channel) WriteVerificationMarker(basePath, clientID string, at time.Time) error {
	line := fmt.Sprintf("%s %s\n", at.UTC().Format(time.RFC3339), clientID)
	markerPath := path.Join(basePath, ".verification")
	cmd := fmt.Sprintf("printf '%%s' %s > %s", shellQuote(line), shellQuote(markerPath))
	_, err := c.runCommand(cmd)
	return err
}
