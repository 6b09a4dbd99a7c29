package app

import (
	"github.com/vk/fabflow/internal/tool"
	"github.com/vk/fabflow/modules/openroad"
	"github.com/vk/fabflow/modules/surelog"
	"github.com/vk/fabflow/modules/yosys"
)

// coreModules are the tool adapters compiled into the default binary.
var coreModules = []tool.Module{
	surelog.Module{},
	yosys.Module{},
	openroad.Module{},
}
