package emulator

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenebrinet/internal/config"
	"tenebrinet/internal/event"
)

// Shell emulates an interactive login shell over a plain TCP line
// protocol, the way exposed telnet-style admin consoles look in the wild.
// Authentication always succeeds: the credentials are the point.
type Shell struct {
	logger   *zap.Logger
	hostname string
	idle     time.Duration
}

// NewShell creates the shell-service emulator.
func NewShell(logger *zap.Logger, cfg config.ShellServiceConfig, idle time.Duration) *Shell {
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = "web-prod-03"
	}
	return &Shell{
		logger:   logger,
		hostname: hostname,
		idle:     idle,
	}
}

// Service implements Emulator.
func (s *Shell) Service() event.Service { return event.ServiceShell }

// Handle drives one shell session: banner, login, then a canned command
// loop. Every prompt response is captured; nothing typed here is ever
// executed.
func (s *Shell) Handle(ctx context.Context, conn net.Conn, cc *event.ConnectionContext) error {
	io := newLineIO(conn, cc, s.idle)

	if err := io.WriteString("Ubuntu 20.04.6 LTS\r\n" + s.hostname + " login: "); err != nil {
		return err
	}

	username, err := s.authenticate(ctx, io, cc)
	if err != nil {
		return err
	}

	motd := fmt.Sprintf("\r\nWelcome to Ubuntu 20.04.6 LTS (GNU/Linux 5.4.0-148-generic x86_64)\r\n"+
		"\r\n"+
		" * Documentation:  https://help.ubuntu.com\r\n"+
		" * Management:     https://landscape.canonical.com\r\n"+
		"\r\n"+
		"Last login: %s from 10.0.4.17\r\n",
		time.Now().Add(-37*time.Hour).Format("Mon Jan  2 15:04:05 MST 2006"))
	if err := io.WriteString(motd); err != nil {
		return err
	}

	return s.commandLoop(ctx, io, cc, username)
}

// authenticate runs the login prompt. Empty usernames re-prompt, like a
// real getty; the first non-empty pair is accepted.
func (s *Shell) authenticate(ctx context.Context, io *lineIO, cc *event.ConnectionContext) (string, error) {
	for !done(ctx) {
		username, err := io.ReadLine()
		if err != nil {
			return "", err
		}
		username = strings.TrimSpace(username)
		if username == "" {
			if err := io.WriteString(s.hostname + " login: "); err != nil {
				return "", err
			}
			continue
		}

		if err := io.WriteString("Password: "); err != nil {
			return "", err
		}
		password, err := io.ReadLine()
		if err != nil {
			// The pair is still a capture even if the peer bailed at the
			// password prompt.
			cc.AddCredential(username, "", false)
			return "", err
		}

		cc.AddCredential(username, password, true)
		s.logger.Info("Shell credentials captured",
			zap.String("source", cc.SourceIP),
			zap.String("username", username),
		)
		return username, nil
	}
	return "", ctx.Err()
}

func (s *Shell) commandLoop(ctx context.Context, io *lineIO, cc *event.ConnectionContext, username string) error {
	prompt := fmt.Sprintf("%s@%s:~# ", username, s.hostname)
	if username != "root" {
		prompt = fmt.Sprintf("%s@%s:~$ ", username, s.hostname)
	}

	for !done(ctx) {
		if err := io.WriteString(prompt); err != nil {
			return err
		}

		line, err := io.ReadLine()
		if err != nil {
			return err
		}
		cmd := strings.TrimSpace(line)
		if cmd == "" {
			continue
		}
		cc.AddCommand(cmd)

		if cmd == "exit" || cmd == "logout" {
			return io.WriteString("logout\r\n")
		}

		if err := io.WriteString(s.respond(cmd, username)); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// respond maps a command line to canned output. The table covers what
// intruders run first; everything else gets the bash not-found error.
func (s *Shell) respond(cmd string, username string) string {
	fields := strings.Fields(cmd)
	name := fields[0]

	// Outputs that embed the machine name track the configured hostname so
	// the lure never contradicts its own prompt.
	switch cmd {
	case "hostname":
		return s.hostname + "\r\n"
	case "uname -a":
		return fmt.Sprintf("Linux %s 5.4.0-148-generic #165-Ubuntu SMP Tue Apr 18 08:53:12 UTC 2023 x86_64 x86_64 x86_64 GNU/Linux\r\n", s.hostname)
	}

	switch name {
	case "echo":
		return strings.TrimSpace(strings.TrimPrefix(cmd, "echo")) + "\r\n"
	case "cd":
		return ""
	case "wget", "curl":
		target := "-"
		if len(fields) > 1 {
			target = fields[len(fields)-1]
		}
		return fmt.Sprintf("--2024-11-02 03:14:22--  %s\r\nResolving host... failed: Temporary failure in name resolution.\r\n", target)
	}

	if out, ok := shellResponses[cmd]; ok {
		return out
	}
	if out, ok := shellResponses[name]; ok {
		return out
	}
	return fmt.Sprintf("-bash: %s: command not found\r\n", name)
}

// shellResponses is the canned output table, keyed first by the full
// command line and then by the bare command name.
var shellResponses = map[string]string{
	"whoami":   "root\r\n",
	"id":       "uid=0(root) gid=0(root) groups=0(root)\r\n",
	"pwd":      "/root\r\n",
	"uname":    "Linux\r\n",
	"uname -r": "5.4.0-148-generic\r\n",
	"uptime":   " 03:14:22 up 212 days,  7:41,  1 user,  load average: 0.08, 0.12, 0.09\r\n",
	"w": " 03:14:22 up 212 days,  7:41,  1 user,  load average: 0.08, 0.12, 0.09\r\n" +
		"USER     TTY      FROM             LOGIN@   IDLE   JCPU   PCPU WHAT\r\n" +
		"root     pts/0    10.0.4.17        03:14    0.00s  0.02s  0.00s w\r\n",
	"ls":     "backup.sh  data  logs  wp-config.php.bak\r\n",
	"ls -la": "total 36\r\ndrwx------  5 root root 4096 Apr 18 09:12 .\r\ndrwxr-xr-x 19 root root 4096 Jan  9  2023 ..\r\n-rw-------  1 root root 1284 Apr 18 09:12 .bash_history\r\n-rw-r--r--  1 root root 3106 Dec  5  2019 .bashrc\r\n-rwxr-xr-x  1 root root  512 Mar  2 11:40 backup.sh\r\ndrwxr-xr-x  2 root root 4096 Mar  2 11:38 data\r\ndrwxr-xr-x  2 root root 4096 Mar  2 11:38 logs\r\n-rw-r--r--  1 root root 2913 Feb 14 22:01 wp-config.php.bak\r\n",
	"ps": "  PID TTY          TIME CMD\r\n 8412 pts/0    00:00:00 bash\r\n 8473 pts/0    00:00:00 ps\r\n",
	"ps aux": "USER       PID %CPU %MEM    VSZ   RSS TTY      STAT START   TIME COMMAND\r\n" +
		"root         1  0.0  0.2 168932 11204 ?        Ss   Jan09   9:12 /sbin/init\r\n" +
		"root       612  0.0  0.4 722104 18344 ?        Ssl  Jan09  14:02 /usr/bin/containerd\r\n" +
		"mysql      914  0.3  4.1 1841120 167204 ?      Ssl  Jan09 812:44 /usr/sbin/mysqld\r\n" +
		"www-data  1033  0.0  0.9 213456 37612 ?        S    Jan09   2:19 /usr/sbin/apache2 -k start\r\n" +
		"root      8412  0.0  0.1  21512  5104 pts/0    Ss   03:14   0:00 -bash\r\n",
	"cat /etc/passwd": "root:x:0:0:root:/root:/bin/bash\r\ndaemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin\r\nbin:x:2:2:bin:/bin:/usr/sbin/nologin\r\nsys:x:3:3:sys:/dev:/usr/sbin/nologin\r\nwww-data:x:33:33:www-data:/var/www:/usr/sbin/nologin\r\nmysql:x:112:117:MySQL Server,,,:/nonexistent:/bin/false\r\nsshd:x:113:65534::/run/sshd:/usr/sbin/nologin\r\n",
	"cat /etc/shadow": "cat: /etc/shadow: Permission denied\r\n",
	"ifconfig": "eth0: flags=4163<UP,BROADCAST,RUNNING,MULTICAST>  mtu 1500\r\n" +
		"        inet 10.0.4.23  netmask 255.255.255.0  broadcast 10.0.4.255\r\n" +
		"        ether 02:42:0a:00:04:17  txqueuelen 1000  (Ethernet)\r\n",
	"ip a": "1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 qdisc noqueue state UNKNOWN group default qlen 1000\r\n" +
		"    inet 127.0.0.1/8 scope host lo\r\n" +
		"2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc fq_codel state UP group default qlen 1000\r\n" +
		"    inet 10.0.4.23/24 brd 10.0.4.255 scope global eth0\r\n",
	"free -m": "              total        used        free      shared  buff/cache   available\r\n" +
		"Mem:           3931        1204         312          41        2414        2433\r\n" +
		"Swap:          2047          86        1961\r\n",
	"df -h": "Filesystem      Size  Used Avail Use% Mounted on\r\n" +
		"/dev/vda1        78G   41G   34G  55% /\r\n" +
		"tmpfs           2.0G     0  2.0G   0% /dev/shm\r\n",
	"history": "    1  cd /var/www/html\r\n    2  nano wp-config.php\r\n    3  systemctl restart apache2\r\n    4  mysql -u wpuser -p\r\n    5  ./backup.sh\r\n",
	"which python": "/usr/bin/python\r\n",
	"which perl":   "/usr/bin/perl\r\n",
	"sudo":         "sudo: a terminal is required to read the password\r\n",
}
