package deepgram

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/httpclient"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/stt"
)

const (
	liveWriteWait = 10 * time.Second
	// Deepgram live sessions are linear16 PCM.
	liveEncoding = "linear16"
)

// Connect opens a live transcription socket.
func (p *Provider) Connect(ctx context.Context, opts stt.LiveOptions) (stt.LiveConn, error) {
	if p.cfg.APIKey == "" {
		return nil, apperrors.Configuration("deepgram api key is not set")
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}

	q := p.query(opts.Language, opts.Vocabulary, true)
	q.Set("encoding", liveEncoding)
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("channels", strconv.Itoa(opts.Channels))
	q.Set("interim_results", "true")

	endpoint := strings.TrimRight(p.cfg.LiveURL, "/") + "/v1/listen?" + q.Encode()
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: websocket.DefaultDialer.Proxy}

	ws, resp, err := dialer.DialContext(ctx, endpoint, httpclient.TokenAuth(p.cfg.APIKey).Header())
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		p.log.Warn("Live connect failed", logger.Fields(logger.FieldStatus, status, logger.FieldError, err.Error()))
		return nil, apperrors.UpstreamProvider(Name, status, err)
	}
	return &liveConn{ws: ws}, nil
}

type liveConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

type liveMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Description string  `json:"description"`
	Message     string  `json:"message"`
}

func (c *liveConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
	return c.ws.WriteMessage(messageType, data)
}

func (c *liveConn) Send(frame []byte) error {
	return c.write(websocket.BinaryMessage, frame)
}

func (c *liveConn) CloseSend() error {
	return c.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
}

func (c *liveConn) Recv() (stt.LiveEvent, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
				errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return stt.LiveEvent{}, io.EOF
			}
			return stt.LiveEvent{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}

		var msg liveMessage
		if err := decodeJSON(data, &msg); err != nil {
			return stt.LiveEvent{}, err
		}
		switch msg.Type {
		case "Results":
			ev := stt.LiveEvent{
				Kind:        stt.LiveTranscript,
				IsFinal:     msg.IsFinal,
				SpeechFinal: msg.SpeechFinal,
				Start:       msg.Start,
				Duration:    msg.Duration,
			}
			if len(msg.Channel.Alternatives) > 0 {
				ev.Text = msg.Channel.Alternatives[0].Transcript
			}
			return ev, nil
		case "Error":
			text := msg.Description
			if text == "" {
				text = msg.Message
			}
			return stt.LiveEvent{Kind: stt.LiveError, Message: text}, nil
		default:
			// Metadata, SpeechStarted, UtteranceEnd
			continue
		}
	}
}

func (c *liveConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
