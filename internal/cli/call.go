package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/hewenyu/kong-mesh/pkg/api/handler"
)

var callOpts struct {
	admin   string
	source  string
	method  string
	headers map[string]string
	data    string
	timeout time.Duration
}

var callCmd = &cobra.Command{
	Use:   "call <destination> [path]",
	Short: "通过管理API经网格调用目标服务",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := handler.CallRequest{
			Source:      callOpts.source,
			Destination: args[0],
			Method:      callOpts.method,
			Path:        "/",
			Headers:     callOpts.headers,
			Body:        callOpts.data,
		}
		if len(args) == 2 {
			req.Path = args[1]
		}
		return runCall(cmd.OutOrStdout(), callOpts.admin, callOpts.timeout, req)
	},
}

func init() {
	f := callCmd.Flags()
	f.StringVar(&callOpts.admin, "admin", "http://127.0.0.1:9080", "管理API地址")
	f.StringVarP(&callOpts.source, "source", "s", "mesh-cli", "源服务名")
	f.StringVarP(&callOpts.method, "method", "X", http.MethodGet, "HTTP方法")
	f.StringToStringVarP(&callOpts.headers, "header", "H", nil, "请求头，形如 X-User-Id=42")
	f.StringVarP(&callOpts.data, "data", "d", "", "请求体")
	f.DurationVar(&callOpts.timeout, "timeout", 35*time.Second, "请求管理API的超时")
	rootCmd.AddCommand(callCmd)
}

// runCall 提交调用请求并打印结果
func runCall(out io.Writer, admin string, timeout time.Duration, req handler.CallRequest) error {
	var resp struct {
		handler.ServiceResponse
		Data *handler.CallResponse `json:"data"`
	}

	r, err := resty.New().
		SetTimeout(timeout).
		SetBaseURL(admin).
		R().
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post("/api/v1/mesh/call")
	if err != nil {
		return fmt.Errorf("请求管理API失败: %w", err)
	}
	if r.IsError() || resp.Data == nil {
		return fmt.Errorf("网格调用失败 (%d): %s", r.StatusCode(), resp.Message)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp.Data)
}
