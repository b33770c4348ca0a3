package emulator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenebrinet/internal/config"
	"tenebrinet/internal/event"
)

// maxBodyBytes bounds how much of a request body is read and captured.
const maxBodyBytes = 64 * 1024

// Web emulates a WordPress site fronting nothing. The lure surface is the
// handful of paths scanners always probe first; requests are captured in
// full and answered with static, plausible content.
type Web struct {
	logger       *zap.Logger
	serverHeader string
	idle         time.Duration
}

// NewWeb creates the web-service emulator.
func NewWeb(logger *zap.Logger, cfg config.WebServiceConfig, idle time.Duration) *Web {
	header := cfg.ServerHeader
	if header == "" {
		header = "Apache/2.4.41 (Ubuntu)"
	}
	return &Web{
		logger:       logger,
		serverHeader: header,
		idle:         idle,
	}
}

// Service implements Emulator.
func (w *Web) Service() event.Service { return event.ServiceWeb }

// Handle serves HTTP requests on one connection until the peer closes,
// asks to close, or sends something unparseable. The tee puts every raw
// request byte in the transcript before parsing touches it.
func (w *Web) Handle(ctx context.Context, conn net.Conn, cc *event.ConnectionContext) error {
	reader := bufio.NewReaderSize(io.TeeReader(conn, transcriptWriter{cc}), maxLineBytes)

	for !done(ctx) {
		if w.idle > 0 {
			conn.SetReadDeadline(time.Now().Add(w.idle))
		}

		req, err := http.ReadRequest(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return err
			}
			cc.NoteViolation("malformed http request: " + err.Error())
			w.writeResponse(conn, false, http.StatusBadRequest, "text/html", pageBadRequest, nil)
			return nil
		}

		body := w.captureRequest(cc, req)
		keepAlive := w.route(conn, cc, req, body)
		if !keepAlive {
			return nil
		}
	}
	return ctx.Err()
}

// captureRequest records the request and returns its body.
func (w *Web) captureRequest(cc *event.ConnectionContext, req *http.Request) string {
	var body string
	if req.Body != nil {
		data, _ := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		req.Body.Close()
		body = string(data)
	}

	headers := make(map[string]string, len(req.Header))
	for name := range req.Header {
		headers[name] = req.Header.Get(name)
	}

	cc.AddRequest(event.CapturedRequest{
		Method:    req.Method,
		Path:      req.URL.Path,
		Query:     req.URL.RawQuery,
		Headers:   headers,
		Body:      body,
		UserAgent: req.UserAgent(),
	})

	w.logger.Debug("Web request captured",
		zap.String("source", cc.SourceIP),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
	)
	return body
}

// route answers one request and reports whether the connection stays open.
func (w *Web) route(conn net.Conn, cc *event.ConnectionContext, req *http.Request, body string) bool {
	keepAlive := !req.Close && req.ProtoAtLeast(1, 1)

	switch {
	case req.URL.Path == "/" || req.URL.Path == "/index.php":
		w.writeResponse(conn, keepAlive, http.StatusOK, "text/html; charset=UTF-8", pageHome, nil)

	case req.URL.Path == "/wp-login.php":
		if req.Method == http.MethodPost {
			w.captureLogin(cc, req, body)
			w.writeResponse(conn, keepAlive, http.StatusOK, "text/html; charset=UTF-8", pageLoginFailed, nil)
		} else {
			w.writeResponse(conn, keepAlive, http.StatusOK, "text/html; charset=UTF-8", pageLogin, nil)
		}

	case strings.HasPrefix(req.URL.Path, "/wp-admin"):
		w.writeResponse(conn, keepAlive, http.StatusFound, "text/html", "",
			map[string]string{"Location": "/wp-login.php?redirect_to=" + url.QueryEscape(req.URL.Path)})

	case req.URL.Path == "/robots.txt":
		w.writeResponse(conn, keepAlive, http.StatusOK, "text/plain", pageRobots, nil)

	case req.URL.Path == "/.env":
		w.writeResponse(conn, keepAlive, http.StatusOK, "text/plain", pageDotEnv, nil)

	case req.URL.Path == "/config.php" || req.URL.Path == "/wp-config.php":
		// PHP files render to nothing, like a real misconfigured host.
		w.writeResponse(conn, keepAlive, http.StatusOK, "text/html; charset=UTF-8", "", nil)

	case req.URL.Path == "/xmlrpc.php":
		if req.Method == http.MethodPost {
			w.writeResponse(conn, keepAlive, http.StatusOK, "text/xml; charset=UTF-8", pageXMLRPCFault, nil)
		} else {
			w.writeResponse(conn, keepAlive, http.StatusMethodNotAllowed, "text/plain",
				"XML-RPC server accepts POST requests only.", nil)
		}

	case req.URL.Path == "/wp-json/wp/v2/users":
		w.writeResponse(conn, keepAlive, http.StatusOK, "application/json; charset=UTF-8", pageUsersJSON, nil)

	default:
		w.writeResponse(conn, keepAlive, http.StatusNotFound, "text/html; charset=UTF-8", pageNotFound, nil)
	}

	return keepAlive
}

// captureLogin pulls the WordPress form fields out of a login POST. The
// form never succeeds; wrong-password is the realistic answer.
func (w *Web) captureLogin(cc *event.ConnectionContext, req *http.Request, body string) {
	values, err := url.ParseQuery(body)
	if err != nil {
		cc.NoteViolation("malformed login form body")
		return
	}

	username := values.Get("log")
	password := values.Get("pwd")
	if username == "" && password == "" {
		return
	}

	cc.AddCredential(username, password, false)
	w.logger.Info("Web credentials captured",
		zap.String("source", cc.SourceIP),
		zap.String("username", username),
	)
}

func (w *Web) writeResponse(conn net.Conn, keepAlive bool, status int, contentType, body string, extra map[string]string) {
	if w.idle > 0 {
		conn.SetWriteDeadline(time.Now().Add(w.idle))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))
	fmt.Fprintf(&b, "Server: %s\r\n", w.serverHeader)
	b.WriteString("X-Powered-By: PHP/7.4.3\r\n")
	if contentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	for name, value := range extra {
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
	}
	if keepAlive {
		b.WriteString("Connection: keep-alive\r\n")
	} else {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)

	conn.Write([]byte(b.String()))
}

const pageHome = `<!DOCTYPE html>
<html lang="en-US">
<head>
<meta charset="UTF-8">
<title>Meridian Logistics &#8211; Freight Forwarding &amp; Warehousing</title>
<meta name="generator" content="WordPress 5.8.2">
<link rel="stylesheet" href="/wp-content/themes/twentytwentyone/style.css?ver=1.4">
</head>
<body class="home page-template-default">
<header><h1>Meridian Logistics</h1><p>Freight forwarding, customs clearance and bonded warehousing since 1994.</p></header>
<main>
<article><h2>Operational update</h2><p>Our Rotterdam terminal has extended weekend receiving hours through Q4.</p></article>
</main>
<footer><p>&copy; 2021 Meridian Logistics BV. Proudly powered by WordPress.</p></footer>
</body>
</html>`

const pageLogin = `<!DOCTYPE html>
<html lang="en-US">
<head>
<meta charset="UTF-8">
<title>Log In &lsaquo; Meridian Logistics &#8212; WordPress</title>
<link rel="stylesheet" href="/wp-admin/css/login.min.css?ver=5.8.2">
</head>
<body class="login no-js login-action-login wp-core-ui">
<div id="login">
<h1><a href="https://wordpress.org/">Powered by WordPress</a></h1>
<form name="loginform" id="loginform" action="/wp-login.php" method="post">
<p><label for="user_login">Username or Email Address</label>
<input type="text" name="log" id="user_login" class="input" size="20"></p>
<p><label for="user_pass">Password</label>
<input type="password" name="pwd" id="user_pass" class="input" size="20"></p>
<p class="submit"><input type="submit" name="wp-submit" id="wp-submit" class="button button-primary button-large" value="Log In"></p>
</form>
</div>
</body>
</html>`

const pageLoginFailed = `<!DOCTYPE html>
<html lang="en-US">
<head>
<meta charset="UTF-8">
<title>Log In &lsaquo; Meridian Logistics &#8212; WordPress</title>
<link rel="stylesheet" href="/wp-admin/css/login.min.css?ver=5.8.2">
</head>
<body class="login no-js login-action-login wp-core-ui">
<div id="login">
<h1><a href="https://wordpress.org/">Powered by WordPress</a></h1>
<div id="login_error"><strong>Error</strong>: The password you entered is incorrect. <a href="/wp-login.php?action=lostpassword">Lost your password?</a></div>
<form name="loginform" id="loginform" action="/wp-login.php" method="post">
<p><label for="user_login">Username or Email Address</label>
<input type="text" name="log" id="user_login" class="input" size="20"></p>
<p><label for="user_pass">Password</label>
<input type="password" name="pwd" id="user_pass" class="input" size="20"></p>
<p class="submit"><input type="submit" name="wp-submit" id="wp-submit" class="button button-primary button-large" value="Log In"></p>
</form>
</div>
</body>
</html>`

const pageRobots = `User-agent: *
Disallow: /wp-admin/
Allow: /wp-admin/admin-ajax.php
Disallow: /backups/
`

const pageDotEnv = `APP_NAME=meridian-portal
APP_ENV=production
APP_DEBUG=false
DB_CONNECTION=mysql
DB_HOST=10.0.4.31
DB_PORT=3306
DB_DATABASE=meridian_prod
DB_USERNAME=portal_svc
DB_PASSWORD=M3ridian!portal2021
MAIL_HOST=smtp.mailgun.org
MAIL_USERNAME=postmaster@mg.meridianlogistics.example
`

const pageXMLRPCFault = `<?xml version="1.0" encoding="UTF-8"?>
<methodResponse>
  <fault>
    <value>
      <struct>
        <member>
          <name>faultCode</name>
          <value><int>403</int></value>
        </member>
        <member>
          <name>faultString</name>
          <value><string>Incorrect username or password.</string></value>
        </member>
      </struct>
    </value>
  </fault>
</methodResponse>`

const pageUsersJSON = `[{"id":1,"name":"mvandijk","url":"","description":"","link":"/author/mvandijk/","slug":"mvandijk"},{"id":3,"name":"webmaster","url":"","description":"","link":"/author/webmaster/","slug":"webmaster"}]`

const pageNotFound = `<!DOCTYPE html>
<html lang="en-US">
<head><meta charset="UTF-8"><title>Page not found &#8211; Meridian Logistics</title></head>
<body class="error404">
<header><h1>Meridian Logistics</h1></header>
<main><h2>Oops! That page can&rsquo;t be found.</h2><p>It looks like nothing was found at this location.</p></main>
</body>
</html>`

const pageBadRequest = `<!DOCTYPE html>
<html><head><title>400 Bad Request</title></head>
<body><h1>Bad Request</h1>
<p>Your browser sent a request that this server could not understand.</p>
</body></html>`
