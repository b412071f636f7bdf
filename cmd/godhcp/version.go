package main

// ProductVersion is the current version of the godhcp server.
var ProductVersion = "v1.0.0-dev"
