package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/netx/httpclient"
	"github.com/Super-Protocol/price-proxy/internal/netx/wsclient"
)

const (
	okxBaseURL = "https://www.okx.com/api/v5"
	okxWSURL   = "wss://ws.okx.com:8443/ws/v5/public"
)

// OKXAdapter serves spot tickers from OKX, with a public-channel WebSocket
// feed. OKX wraps errors in-band: HTTP 200 with a non-zero "code".
type OKXAdapter struct {
	restAdapter
	stream *BaseStreamService
}

// NewOKXAdapter builds the adapter; stream is nil unless configured.
func NewOKXAdapter(cfg *config.SourceConfig, client *httpclient.Client, wsOpts wsclient.Options) *OKXAdapter {
	a := &OKXAdapter{
		restAdapter: restAdapter{name: model.SourceOKX, cfg: cfg, http: client},
	}
	if cfg.Stream != nil {
		wsOpts.URL = cfg.Stream.WSURL
		if wsOpts.URL == "" {
			wsOpts.URL = okxWSURL
		}
		wsOpts.AutoReconnect = cfg.Stream.AutoReconnect
		wsOpts.ReconnectInterval = cfg.Stream.Reconnect()
		wsOpts.MaxReconnectAttempts = cfg.Stream.MaxReconnectAttempts
		wsOpts.PingInterval = cfg.Stream.Heartbeat()
		wsOpts.ParseJSON = true
		// OKX expects a text "ping" and answers with a text "pong".
		wsOpts.AppPing = []byte("ping")
		wsOpts.IsAppPong = func(data []byte) bool {
			return bytes.Equal(bytes.TrimSpace(data), []byte("pong"))
		}
		a.stream = NewBaseStreamService(model.SourceOKX, okxCodec(), wsOpts)
	}
	return a
}

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// FetchQuote fetches the last trade price for one instrument.
func (a *OKXAdapter) FetchQuote(ctx context.Context, pair model.Pair) (model.Quote, error) {
	resp, err := a.http.Get(ctx, "market/ticker", &httpclient.RequestOptions{
		Params: map[string]string{"instId": okxInstID(pair)},
	})
	if err != nil {
		return model.Quote{}, err
	}
	if resp.Status >= 300 {
		return model.Quote{}, mapStatusError(a.name, pair, resp.Status)
	}

	var env okxEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return model.Quote{}, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}
	// 51001: instrument does not exist.
	if env.Code == "51001" {
		return model.Quote{}, &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
	if env.Code != "0" {
		return model.Quote{}, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: okxErr(env)}
	}

	var tickers []struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(env.Data, &tickers); err != nil || len(tickers) == 0 || tickers[0].Last == "" {
		return model.Quote{}, &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
	return model.NewQuote(pair, tickers[0].Last, time.Now())
}

// Pairs enumerates live SPOT instruments.
func (a *OKXAdapter) Pairs(ctx context.Context) ([]model.Pair, error) {
	resp, err := a.http.Get(ctx, "public/instruments", &httpclient.RequestOptions{
		Params: map[string]string{"instType": "SPOT"},
	})
	if err != nil {
		return nil, err
	}
	if resp.Status >= 300 {
		return nil, mapStatusError(a.name, model.Pair{}, resp.Status)
	}

	var env okxEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}
	if env.Code != "0" {
		return nil, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: okxErr(env)}
	}

	var instruments []struct {
		BaseCcy  string `json:"baseCcy"`
		QuoteCcy string `json:"quoteCcy"`
		State    string `json:"state"`
	}
	if err := json.Unmarshal(env.Data, &instruments); err != nil {
		return nil, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}

	pairs := make([]model.Pair, 0, len(instruments))
	for _, inst := range instruments {
		if inst.State != "live" {
			continue
		}
		pairs = append(pairs, model.Pair{Base: inst.BaseCcy, Quote: inst.QuoteCcy})
	}
	return pairs, nil
}

// StreamService exposes the public-channel feed when configured.
func (a *OKXAdapter) StreamService() StreamService {
	if a.stream == nil {
		return nil
	}
	return a.stream
}

func okxErr(env okxEnvelope) error {
	return fmt.Errorf("okx code %s: %s", env.Code, env.Msg)
}

func okxInstID(pair model.Pair) string {
	return strings.ToUpper(pair.Base) + "-" + strings.ToUpper(pair.Quote)
}

// okxCodec speaks the public tickers channel.
func okxCodec() StreamCodec {
	type arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	}
	type wsRequest struct {
		Op   string `json:"op"`
		Args []arg  `json:"args"`
	}
	build := func(op string, ids []string) interface{} {
		args := make([]arg, len(ids))
		for i, id := range ids {
			args[i] = arg{Channel: "tickers", InstID: id}
		}
		return wsRequest{Op: op, Args: args}
	}
	return StreamCodec{
		IdentifierFor: okxInstID,
		SubscribeMsg: func(ids []string) interface{} {
			return build("subscribe", ids)
		},
		UnsubscribeMsg: func(ids []string) interface{} {
			return build("unsubscribe", ids)
		},
		Decode: func(raw []byte, _ interface{}) (string, string, bool) {
			var frame struct {
				Arg struct {
					Channel string `json:"channel"`
					InstID  string `json:"instId"`
				} `json:"arg"`
				Data []struct {
					Last string `json:"last"`
				} `json:"data"`
			}
			if err := json.Unmarshal(raw, &frame); err != nil {
				return "", "", false
			}
			if frame.Arg.Channel != "tickers" || len(frame.Data) == 0 || frame.Data[0].Last == "" {
				return "", "", false
			}
			return frame.Arg.InstID, frame.Data[0].Last, true
		},
	}
}
