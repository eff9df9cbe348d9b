package main

import (
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"poweredup"
)

func main() {
	// ModularMain can take multiple APIModel arguments, if your module implements multiple models.
	module.ModularMain(
		resource.APIModel{API: motor.API, Model: poweredup.ModelMotor},
		resource.APIModel{API: motor.API, Model: poweredup.ModelMotorPair},
		resource.APIModel{API: discovery.API, Model: poweredup.ModelDiscovery},
	)
}
