package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/John-Robertt/subxray/internal/convert"
	"github.com/John-Robertt/subxray/internal/fetch"
	"github.com/John-Robertt/subxray/internal/model"
	"github.com/John-Robertt/subxray/internal/profile"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type convertRequest struct {
	Sub     string // subscription URL; mutually exclusive with Content
	Content string // inline subscription document
	Profile string // optional profile URL; empty => builtin default
}

type convertRequestJSON struct {
	Sub     string `json:"sub"`
	Content string `json:"content"`
	Profile string `json:"profile"`
}

type convertResponse struct {
	Outbounds   jsoniter.RawMessage `json:"outbounds"`
	Routing     jsoniter.RawMessage `json:"routing"`
	Diagnostics []model.Diagnostic  `json:"diagnostics"`
	Stats       convert.Stats       `json:"stats"`
}

type convertHandler struct {
	opt Options

	// subs collapses concurrent fetches of the same subscription URL.
	subs singleflight.Group
}

const (
	docOutbounds = "outbounds"
	docRouting   = "routing"
)

func (h *convertHandler) fetchOptions() fetch.Options {
	return fetch.Options{Timeout: h.opt.FetchTimeout, UserAgent: h.opt.UserAgent}
}

func (h *convertHandler) handleConvert(w http.ResponseWriter, r *http.Request) {
	// Leave room for JSON quoting around an inline document.
	r.Body = http.MaxBytesReader(w, r.Body, 2*h.opt.maxContentBytes()+4096)
	req, err := parseConvertPOST(r.Body)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	res, err := h.runConvert(r.Context(), req)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, convertResponse{
		Outbounds:   res.Outbounds,
		Routing:     res.Routing,
		Diagnostics: res.Diagnostics,
		Stats:       res.Stats,
	})
}

// handleSub serves one document as a file download, so a router can pull
// /sub?url=...&doc=routing straight into its config directory.
func (h *convertHandler) handleSub(w http.ResponseWriter, r *http.Request) {
	req, doc, err := parseSubGET(r.URL.Query())
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	res, err := h.runConvert(r.Context(), req)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}

	body, name := res.Outbounds, h.opt.OutboundsName
	if doc == docRouting {
		body, name = res.Routing, h.opt.RoutingName
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", contentDispositionAttachment(name))
	w.Header().Set("X-Subxray-Entries", strconv.Itoa(res.Stats.Entries))
	w.Header().Set("X-Subxray-Diagnostics", strconv.Itoa(len(res.Diagnostics)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *convertHandler) runConvert(ctx context.Context, req convertRequest) (*convert.Result, error) {
	// Keep a hard upper bound so handlers don't hang forever if upstream misbehaves.
	ctx, cancel := context.WithTimeout(ctx, h.opt.ConvertTimeout)
	defer cancel()

	text := req.Content
	if req.Sub != "" {
		var err error
		text, err = h.fetchSub(ctx, req.Sub)
		if err != nil {
			return nil, err
		}
	} else if int64(len(text)) > h.opt.maxContentBytes() {
		return nil, apiError(http.StatusRequestEntityTooLarge, model.AppError{
			Code:    "TOO_LARGE",
			Message: fmt.Sprintf("订阅内容过大（>%d bytes）", h.opt.maxContentBytes()),
			Stage:   "validate_request",
		}, nil)
	}

	prof, err := h.loadProfile(ctx, req.Profile)
	if err != nil {
		return nil, err
	}
	rules, err := profile.ExpandRules(ctx, prof, profile.FetchLoader(h.fetchOptions()))
	if err != nil {
		return nil, err
	}

	res, err := convert.Run(ctx, text, prof, convert.Options{Workers: h.opt.Workers, Rules: rules})
	if err != nil {
		return nil, err
	}
	metricsAddConversion(res.Stats, res.Diagnostics)
	logrus.WithFields(logrus.Fields{
		"entries":     res.Stats.Entries,
		"failed":      res.Stats.Failed,
		"duplicates":  res.Stats.Duplicates,
		"diagnostics": len(res.Diagnostics),
	}).Debug("convert done")
	return res, nil
}

func (h *convertHandler) fetchSub(ctx context.Context, rawURL string) (string, error) {
	opt := h.fetchOptions()
	opt.MaxBytes = h.opt.MaxBytes
	v, err, shared := h.subs.Do(rawURL, func() (any, error) {
		return fetch.FetchTextWithOptions(ctx, fetch.KindSubscription, rawURL, opt)
	})
	if shared {
		logrus.WithField("stage", "fetch_sub").Debug("subscription fetch shared")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (h *convertHandler) loadProfile(ctx context.Context, profileURL string) (*profile.Spec, error) {
	if profileURL == "" {
		return profile.Default(), nil
	}
	text, err := fetch.FetchTextWithOptions(ctx, fetch.KindProfile, profileURL, h.fetchOptions())
	if err != nil {
		return nil, err
	}
	return profile.ParseProfileYAML(profileURL, text)
}

func parseConvertPOST(body io.Reader) (convertRequest, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return convertRequest{}, apiError(http.StatusRequestEntityTooLarge, model.AppError{
				Code:    "TOO_LARGE",
				Message: fmt.Sprintf("请求体过大（>%d bytes）", mbe.Limit),
				Stage:   "validate_request",
			}, err)
		}
		return convertRequest{}, requestError("INVALID_ARGUMENT", "读取请求体失败", err.Error())
	}
	var in convertRequestJSON
	// Trailing data (a second JSON document) is rejected by Unmarshal.
	if err := strictJSON.Unmarshal(data, &in); err != nil {
		return convertRequest{}, requestError("INVALID_ARGUMENT", "JSON body 解析失败", err.Error())
	}

	req := convertRequest{
		Sub:     strings.TrimSpace(in.Sub),
		Content: in.Content,
		Profile: strings.TrimSpace(in.Profile),
	}
	switch {
	case req.Sub == "" && req.Content == "":
		return convertRequest{}, requestError("INVALID_ARGUMENT", "sub 与 content 必须提供其一", `expected: {"sub":"<url>"} or {"content":"<text>"}`)
	case req.Sub != "" && req.Content != "":
		return convertRequest{}, requestError("INVALID_ARGUMENT", "sub 与 content 不能同时提供", "")
	}
	return req, nil
}

func parseSubGET(q url.Values) (convertRequest, string, error) {
	for key := range q {
		switch key {
		case "url", "doc", "profile":
		default:
			return convertRequest{}, "", requestError("INVALID_ARGUMENT", fmt.Sprintf("不支持的 query 参数：%s", key), "")
		}
	}

	sub, err := singleQuery(q, "url", true)
	if err != nil {
		return convertRequest{}, "", err
	}
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return convertRequest{}, "", requestError("INVALID_ARGUMENT", "url 不能为空", "")
	}

	doc, err := singleQuery(q, "doc", false)
	if err != nil {
		return convertRequest{}, "", err
	}
	doc = strings.ToLower(strings.TrimSpace(doc))
	if doc == "" {
		doc = docOutbounds
	}
	if doc != docOutbounds && doc != docRouting {
		return convertRequest{}, "", requestError("INVALID_ARGUMENT", "不支持的 doc（仅支持 outbounds/routing）", doc)
	}

	profileURL, err := singleQuery(q, "profile", false)
	if err != nil {
		return convertRequest{}, "", err
	}
	return convertRequest{Sub: sub, Profile: strings.TrimSpace(profileURL)}, doc, nil
}

func singleQuery(q url.Values, key string, required bool) (string, error) {
	values, ok := q[key]
	if !ok || len(values) == 0 {
		if required {
			return "", requestError("INVALID_ARGUMENT", fmt.Sprintf("缺少 %s 参数", key), "")
		}
		return "", nil
	}
	if len(values) != 1 {
		return "", requestError("INVALID_ARGUMENT", fmt.Sprintf("%s 参数只能出现一次", key), "")
	}
	return values[0], nil
}
