package relay

import "github.com/op/go-logging"

var log = logging.MustGetLogger("relay")
