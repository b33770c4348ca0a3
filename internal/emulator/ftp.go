package emulator

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenebrinet/internal/config"
	"tenebrinet/internal/event"
)

// FTP emulates a vsFTPd server with a small fake filesystem. Uploads are
// captured and discarded; downloads serve lure content.
type FTP struct {
	logger           *zap.Logger
	anonymousAllowed bool
	idle             time.Duration
}

// NewFTP creates the file-transfer-service emulator.
func NewFTP(logger *zap.Logger, cfg config.FTPServiceConfig, idle time.Duration) *FTP {
	return &FTP{
		logger:           logger,
		anonymousAllowed: cfg.AnonymousAllowed,
		idle:             idle,
	}
}

// Service implements Emulator.
func (f *FTP) Service() event.Service { return event.ServiceFileTransfer }

// ftpSession is the per-connection protocol state.
type ftpSession struct {
	io   *lineIO
	cc   *event.ConnectionContext
	conn net.Conn

	username      string
	authenticated bool
	cwd           string
	renameFrom    string

	dataListener net.Listener
}

// Handle drives one FTP control connection.
func (f *FTP) Handle(ctx context.Context, conn net.Conn, cc *event.ConnectionContext) error {
	s := &ftpSession{
		io:   newLineIO(conn, cc, f.idle),
		cc:   cc,
		conn: conn,
		cwd:  "/",
	}
	defer s.closeData()

	if err := s.io.WriteString("220 (vsFTPd 3.0.3)\r\n"); err != nil {
		return err
	}

	for !done(ctx) {
		line, err := s.io.ReadLine()
		if err != nil {
			return err
		}

		verb, arg := splitCommand(line)
		if verb == "" {
			cc.NoteViolation("empty ftp command")
			if err := s.io.WriteString("500 Unknown command.\r\n"); err != nil {
				return err
			}
			continue
		}

		quit, err := f.dispatch(s, verb, arg)
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
	return ctx.Err()
}

func splitCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	verb, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

// dispatch handles one command; returns quit=true on QUIT.
func (f *FTP) dispatch(s *ftpSession, verb, arg string) (bool, error) {
	// Every command, pre-auth included, goes into the session record. The
	// record masks passwords; the raw transcript keeps them.
	recorded := verb
	if verb == "PASS" {
		recorded = "PASS ***"
	} else if arg != "" {
		recorded += " " + arg
	}
	s.cc.AddCommand(recorded)

	switch verb {
	case "USER":
		return false, f.handleUser(s, arg)
	case "PASS":
		return false, f.handlePass(s, arg)
	case "QUIT":
		return true, s.io.WriteString("221 Goodbye.\r\n")
	case "NOOP":
		return false, s.io.WriteString("200 NOOP ok.\r\n")
	case "SYST":
		return false, s.io.WriteString("215 UNIX Type: L8\r\n")
	case "FEAT":
		return false, s.io.WriteString("211-Features:\r\n EPRT\r\n EPSV\r\n MDTM\r\n PASV\r\n REST STREAM\r\n SIZE\r\n TVFS\r\n UTF8\r\n211 End\r\n")
	}

	if !s.authenticated {
		return false, s.io.WriteString("530 Please login with USER and PASS.\r\n")
	}

	switch verb {
	case "TYPE":
		return false, s.io.WriteString(fmt.Sprintf("200 Switching to %s mode.\r\n", typeName(arg)))
	case "PWD":
		return false, s.io.WriteString(fmt.Sprintf("257 \"%s\" is the current directory\r\n", s.cwd))
	case "CWD":
		return false, f.handleCwd(s, arg)
	case "CDUP":
		return false, f.handleCwd(s, "..")
	case "PASV":
		return false, f.handlePasv(s)
	case "LIST", "NLST":
		return false, f.handleList(s, verb)
	case "RETR":
		return false, f.handleRetr(s, arg)
	case "STOR":
		return false, f.handleStor(s, arg)
	case "SIZE":
		return false, f.handleSize(s, arg)
	case "DELE":
		return false, s.io.WriteString("550 Permission denied.\r\n")
	case "MKD":
		return false, s.io.WriteString(fmt.Sprintf("257 \"%s\" created\r\n", s.resolve(arg)))
	case "RMD":
		return false, s.io.WriteString("550 Permission denied.\r\n")
	case "RNFR":
		s.renameFrom = arg
		return false, s.io.WriteString("350 Ready for RNTO.\r\n")
	case "RNTO":
		if s.renameFrom == "" {
			return false, s.io.WriteString("503 RNFR required first.\r\n")
		}
		s.renameFrom = ""
		return false, s.io.WriteString("550 Permission denied.\r\n")
	default:
		s.cc.NoteViolation("unknown ftp command: " + verb)
		return false, s.io.WriteString("502 Command not implemented.\r\n")
	}
}

func typeName(arg string) string {
	if strings.EqualFold(arg, "A") {
		return "ASCII"
	}
	return "Binary"
}

func (f *FTP) handleUser(s *ftpSession, arg string) error {
	if arg == "" {
		s.cc.NoteViolation("USER without argument")
		return s.io.WriteString("501 Syntax error in parameters.\r\n")
	}
	s.username = arg
	if isAnonymous(arg) {
		if !f.anonymousAllowed {
			s.cc.AddCredential(arg, "", false)
			return s.io.WriteString("530 Anonymous login not allowed.\r\n")
		}
		// Anonymous skips the password prompt entirely, like a real
		// anonymous-enabled vsFTPd.
		s.authenticated = true
		s.cc.AddCredential(arg, "", true)
		f.logger.Info("FTP credentials captured",
			zap.String("source", s.cc.SourceIP),
			zap.String("username", arg),
			zap.Bool("anonymous", true),
		)
		return s.io.WriteString("230 Anonymous login ok, proceed.\r\n")
	}
	return s.io.WriteString("331 Please specify the password.\r\n")
}

func (f *FTP) handlePass(s *ftpSession, arg string) error {
	if s.authenticated {
		return s.io.WriteString("230 Already logged in.\r\n")
	}
	if s.username == "" {
		return s.io.WriteString("503 Login with USER first.\r\n")
	}

	if isAnonymous(s.username) && !f.anonymousAllowed {
		s.cc.AddCredential(s.username, arg, false)
		return s.io.WriteString("530 Login incorrect.\r\n")
	}

	// Every password works here. Anonymous is the honest success path,
	// everything else is a "valid account".
	s.cc.AddCredential(s.username, arg, true)
	s.authenticated = true
	f.logger.Info("FTP credentials captured",
		zap.String("source", s.cc.SourceIP),
		zap.String("username", s.username),
		zap.Bool("anonymous", isAnonymous(s.username)),
	)

	return s.io.WriteString("230 Login successful.\r\n")
}

func isAnonymous(username string) bool {
	return strings.EqualFold(username, "anonymous") || strings.EqualFold(username, "ftp")
}

func (f *FTP) handleCwd(s *ftpSession, arg string) error {
	target := s.resolve(arg)
	if _, ok := ftpDirs[target]; !ok {
		return s.io.WriteString("550 Failed to change directory.\r\n")
	}
	s.cwd = target
	return s.io.WriteString("250 Directory successfully changed.\r\n")
}

// handlePasv opens an ephemeral data listener on the control connection's
// local address and advertises it.
func (f *FTP) handlePasv(s *ftpSession) error {
	s.closeData()

	host := "127.0.0.1"
	if h, _, err := net.SplitHostPort(s.conn.LocalAddr().String()); err == nil && h != "" && h != "::" {
		host = h
	}

	l, err := net.Listen("tcp4", net.JoinHostPort(host, "0"))
	if err != nil {
		l, err = net.Listen("tcp4", "0.0.0.0:0")
		if err != nil {
			return s.io.WriteString("425 Can't open data connection.\r\n")
		}
	}
	s.dataListener = l

	addr := l.Addr().(*net.TCPAddr)
	ip := addr.IP.To4()
	if ip == nil {
		ip = net.IPv4(127, 0, 0, 1).To4()
	}
	return s.io.WriteString(fmt.Sprintf("227 Entering Passive Mode (%d,%d,%d,%d,%d,%d).\r\n",
		ip[0], ip[1], ip[2], ip[3], addr.Port/256, addr.Port%256))
}

// acceptData waits for the client on the PASV listener.
func (s *ftpSession) acceptData() (net.Conn, error) {
	if s.dataListener == nil {
		return nil, fmt.Errorf("no data listener")
	}
	if tl, ok := s.dataListener.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(10 * time.Second))
	}
	return s.dataListener.Accept()
}

func (s *ftpSession) closeData() {
	if s.dataListener != nil {
		s.dataListener.Close()
		s.dataListener = nil
	}
}

func (f *FTP) handleList(s *ftpSession, verb string) error {
	listing, ok := ftpDirs[s.cwd]
	if !ok {
		listing = ftpDirs["/"]
	}

	data, err := s.acceptData()
	if err != nil {
		s.closeData()
		return s.io.WriteString("425 Use PASV first.\r\n")
	}
	defer data.Close()
	defer s.closeData()

	if err := s.io.WriteString("150 Here comes the directory listing.\r\n"); err != nil {
		return err
	}

	if verb == "NLST" {
		var names []string
		for _, e := range listing {
			names = append(names, e.name)
		}
		data.Write([]byte(strings.Join(names, "\r\n") + "\r\n"))
	} else {
		var b strings.Builder
		for _, e := range listing {
			fmt.Fprintf(&b, "%s %3d ftp      ftp      %9d Mar 02 11:38 %s\r\n",
				e.mode, 1, e.size, e.name)
		}
		data.Write([]byte(b.String()))
	}
	data.Close()

	return s.io.WriteString("226 Directory send OK.\r\n")
}

func (f *FTP) handleRetr(s *ftpSession, arg string) error {
	content, ok := ftpFiles[s.resolve(arg)]
	if !ok {
		return s.io.WriteString("550 Failed to open file.\r\n")
	}

	data, err := s.acceptData()
	if err != nil {
		s.closeData()
		return s.io.WriteString("425 Use PASV first.\r\n")
	}
	defer data.Close()
	defer s.closeData()

	if err := s.io.WriteString(fmt.Sprintf("150 Opening BINARY mode data connection for %s (%d bytes).\r\n",
		arg, len(content))); err != nil {
		return err
	}
	data.Write([]byte(content))
	data.Close()

	return s.io.WriteString("226 Transfer complete.\r\n")
}

// handleStor accepts an upload, captures it into the transcript and drops
// it. Malware payloads are the most valuable capture this service makes.
func (f *FTP) handleStor(s *ftpSession, arg string) error {
	data, err := s.acceptData()
	if err != nil {
		s.closeData()
		return s.io.WriteString("425 Use PASV first.\r\n")
	}
	defer data.Close()
	defer s.closeData()

	if err := s.io.WriteString("150 Ok to send data.\r\n"); err != nil {
		return err
	}

	data.SetReadDeadline(time.Now().Add(30 * time.Second))
	n, _ := io.Copy(transcriptWriter{s.cc}, io.LimitReader(data, maxBodyBytes))
	data.Close()

	f.logger.Info("FTP upload captured",
		zap.String("source", s.cc.SourceIP),
		zap.String("filename", arg),
		zap.Int64("bytes", n),
	)
	return s.io.WriteString("226 Transfer complete.\r\n")
}

func (f *FTP) handleSize(s *ftpSession, arg string) error {
	content, ok := ftpFiles[s.resolve(arg)]
	if !ok {
		return s.io.WriteString("550 Could not get file size.\r\n")
	}
	return s.io.WriteString(fmt.Sprintf("213 %d\r\n", len(content)))
}

// resolve maps a client path onto the fake filesystem.
func (s *ftpSession) resolve(p string) string {
	if p == "" {
		return s.cwd
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(s.cwd, p)
	}
	return path.Clean(p)
}

type ftpEntry struct {
	name string
	mode string
	size int
}

// The fake filesystem: enough structure to look like a neglected backup
// box, with lure files worth downloading.
var ftpDirs = map[string][]ftpEntry{
	"/": {
		{name: "pub", mode: "drwxr-xr-x", size: 4096},
		{name: "backups", mode: "drwxr-xr-x", size: 4096},
		{name: "welcome.msg", mode: "-rw-r--r--", size: 142},
	},
	"/pub": {
		{name: "readme.txt", mode: "-rw-r--r--", size: 96},
	},
	"/backups": {
		{name: "db_backup_2021-11-02.sql.gz", mode: "-rw-r--r--", size: 48213},
		{name: "site_credentials.txt", mode: "-rw-r--r--", size: 187},
	},
}

var ftpFiles = map[string]string{
	"/welcome.msg": "Welcome to the Meridian Logistics file exchange.\nUnauthorized access is prohibited.\nContact it-support@meridianlogistics.example for accounts.\n",
	"/pub/readme.txt": "Partner uploads go in /pub. Nightly DB dumps land in /backups.\nDo not delete anything without checking with Marco first.\n",
	"/backups/site_credentials.txt": "# temporary, remove after migration!!\nwp-admin: webmaster / Spring2021!\nmysql: portal_svc / M3ridian!portal2021\nftp: backup_svc / Backup#2019\n",
	"/backups/db_backup_2021-11-02.sql.gz": "\x1f\x8b\x08\x00corrupted backup placeholder",
}
