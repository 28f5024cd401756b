package documents

import (
	"github.com/flightcache/flightcache/common/gerror"
)

type ErrorDocument struct {
	Code           gerror.Code                      `json:"code"`
	HTTPStatusCode int                              `json:"http_status_code"`
	Message        string                           `json:"message"`
	Details        map[gerror.DetailKey]interface{} `json:"details,omitempty"`
}
